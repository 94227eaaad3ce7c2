// Package alarm turns noisy per-frame detections into a stable alarm flag.
//
// A task's flag rises on the first qualifying detection and falls only after
// no qualifying detection has been seen for longer than the grace window.
// Time is taken from event timestamps, never from the wall clock.
package alarm

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"edgeguard/internal/models"
)

const DefaultGrace = 30 * time.Second

// Machine holds alarm state for every task it has observed
type Machine struct {
	mu     sync.Mutex
	specs  map[string]models.TaskSpec
	grace  time.Duration
	states map[string]*models.AlarmState
}

func NewMachine(specs map[string]models.TaskSpec, grace time.Duration) *Machine {
	if grace <= 0 {
		grace = DefaultGrace
	}
	cp := make(map[string]models.TaskSpec, len(specs))
	for k, v := range specs {
		cp[k] = v
	}
	return &Machine{
		specs:  cp,
		grace:  grace,
		states: make(map[string]*models.AlarmState),
	}
}

// Observe folds one event into its task's state. It returns a transition
// only when the flag changes value.
func (m *Machine) Observe(ev models.DetectionEvent) (models.AlarmTransition, bool) {
	spec, ok := m.specs[ev.Task]
	if !ok {
		return models.AlarmTransition{}, false
	}
	confidence, hit := Qualifies(spec, ev.Detections)

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[ev.Task]
	if !ok {
		st = &models.AlarmState{Task: ev.Task}
		m.states[ev.Task] = st
	}

	if hit {
		st.LastPositive = ev.Timestamp
		st.LastConfidence = confidence
		if st.Active {
			return models.AlarmTransition{}, false
		}
		st.Active = true
		st.TriggerConfidence = confidence
		slog.Info("Alarm: raised", "task", ev.Task, "device", ev.DeviceID, "confidence", confidence)
		return m.transition(ev, true, confidence), true
	}

	if st.Active && ev.Timestamp.Sub(st.LastPositive) > m.grace {
		st.Active = false
		slog.Info("Alarm: cleared", "task", ev.Task, "device", ev.DeviceID,
			"quiet_for", ev.Timestamp.Sub(st.LastPositive))
		return m.transition(ev, false, 0), true
	}
	return models.AlarmTransition{}, false
}

func (m *Machine) transition(ev models.DetectionEvent, active bool, confidence float64) models.AlarmTransition {
	return models.AlarmTransition{
		ID:         models.NewEventID(),
		DeviceID:   ev.DeviceID,
		Task:       ev.Task,
		Active:     active,
		Confidence: confidence,
		Timestamp:  ev.Timestamp,
	}
}

// State returns a copy of a task's state
func (m *Machine) State(task string) models.AlarmState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[task]; ok {
		return *st
	}
	return models.AlarmState{Task: task}
}

// Qualifies reports whether any detection matches the task's target at or
// above its threshold, and the highest such confidence.
func Qualifies(spec models.TaskSpec, dets []models.Detection) (float64, bool) {
	best, hit := 0.0, false
	for _, d := range dets {
		if d.Confidence < spec.Threshold || !matchesTarget(spec, d) {
			continue
		}
		if !hit || d.Confidence > best {
			best = d.Confidence
		}
		hit = true
	}
	return best, hit
}

func matchesTarget(spec models.TaskSpec, d models.Detection) bool {
	if spec.TargetClassID != nil && d.ClassID == *spec.TargetClassID {
		return true
	}
	if spec.TargetClass == "" {
		return false
	}
	return strings.Contains(strings.ToLower(d.Class), strings.ToLower(spec.TargetClass))
}
