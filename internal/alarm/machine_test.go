package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeguard/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fireEvent(at time.Duration, conf float64) models.DetectionEvent {
	return models.DetectionEvent{
		DeviceID:   "cam-1",
		Task:       "fire",
		Detections: []models.Detection{{ClassID: 0, Class: "Fire", Confidence: conf}},
		Timestamp:  t0.Add(at),
	}
}

func TestFireScenario(t *testing.T) {
	t.Parallel()

	spec := models.TaskSpec{Name: "fire", TargetClass: "fire", Threshold: 0.5}
	m := NewMachine(map[string]models.TaskSpec{"fire": spec}, 30*time.Second)

	confs := []float64{0.6, 0.3, 0.3, 0.3, 0.3}
	var got []models.AlarmTransition
	for i, c := range confs {
		if tr, ok := m.Observe(fireEvent(time.Duration(i)*10*time.Second, c)); ok {
			got = append(got, tr)
		}
	}

	require.Len(t, got, 2)
	assert.True(t, got[0].Active)
	assert.Equal(t, t0, got[0].Timestamp)
	assert.InDelta(t, 0.6, got[0].Confidence, 1e-9)
	assert.False(t, got[1].Active)
	assert.Equal(t, t0.Add(40*time.Second), got[1].Timestamp)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestClearRequiresStrictlyMoreThanGrace(t *testing.T) {
	t.Parallel()

	spec := models.TaskSpec{TargetClass: "fire", Threshold: 0.5}
	m := NewMachine(map[string]models.TaskSpec{"fire": spec}, 30*time.Second)

	_, ok := m.Observe(fireEvent(0, 0.9))
	require.True(t, ok)

	_, ok = m.Observe(fireEvent(30*time.Second, 0.1))
	assert.False(t, ok, "exactly grace elapsed keeps the alarm")
	assert.True(t, m.State("fire").Active)

	tr, ok := m.Observe(fireEvent(30*time.Second+time.Millisecond, 0.1))
	require.True(t, ok)
	assert.False(t, tr.Active)
}

func TestNoTransitionWithoutChange(t *testing.T) {
	t.Parallel()

	spec := models.TaskSpec{TargetClass: "fire", Threshold: 0.5}
	m := NewMachine(map[string]models.TaskSpec{"fire": spec}, 0)

	for i := 0; i < 5; i++ {
		_, ok := m.Observe(fireEvent(time.Duration(i)*time.Minute, 0.1))
		assert.False(t, ok)
	}

	_, ok := m.Observe(fireEvent(10*time.Minute, 0.7))
	assert.True(t, ok)
	for i := 1; i < 4; i++ {
		_, ok := m.Observe(fireEvent(10*time.Minute+time.Duration(i)*time.Second, 0.9))
		assert.False(t, ok)
	}
	st := m.State("fire")
	assert.Equal(t, t0.Add(10*time.Minute+3*time.Second), st.LastPositive)
	assert.InDelta(t, 0.7, st.TriggerConfidence, 1e-9)
}

func TestPositiveRefreshesGraceWindow(t *testing.T) {
	t.Parallel()

	spec := models.TaskSpec{TargetClass: "fire", Threshold: 0.5}
	m := NewMachine(map[string]models.TaskSpec{"fire": spec}, 30*time.Second)

	m.Observe(fireEvent(0, 0.8))
	m.Observe(fireEvent(25*time.Second, 0.8))
	_, ok := m.Observe(fireEvent(50*time.Second, 0.0))
	assert.False(t, ok)
	tr, ok := m.Observe(fireEvent(56*time.Second, 0.0))
	require.True(t, ok)
	assert.False(t, tr.Active)
}

func TestQualifies(t *testing.T) {
	t.Parallel()

	id := 3
	dets := []models.Detection{
		{ClassID: 1, Class: "smoke", Confidence: 0.9},
		{ClassID: 3, Class: "flame", Confidence: 0.55},
		{ClassID: 0, Class: "yellow_leaf", Confidence: 0.7},
		{ClassID: 0, Class: "Yellow-Leaves", Confidence: 0.65},
	}

	conf, ok := Qualifies(models.TaskSpec{TargetClassID: &id, Threshold: 0.5}, dets)
	assert.True(t, ok)
	assert.InDelta(t, 0.55, conf, 1e-9)

	conf, ok = Qualifies(models.TaskSpec{TargetClass: "YELLOW", Threshold: 0.6}, dets)
	assert.True(t, ok)
	assert.InDelta(t, 0.7, conf, 1e-9)

	_, ok = Qualifies(models.TaskSpec{TargetClass: "yellow", Threshold: 0.8}, dets)
	assert.False(t, ok)

	_, ok = Qualifies(models.TaskSpec{Threshold: 0.1}, dets)
	assert.False(t, ok)
}

func TestUnknownTaskIgnored(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, 0)
	_, ok := m.Observe(models.DetectionEvent{Task: "fire", Detections: []models.Detection{{Class: "fire", Confidence: 1}}})
	assert.False(t, ok)
	assert.False(t, m.State("fire").Active)
}

func TestPositiveWhileActiveRecordsConfidence(t *testing.T) {
	t.Parallel()

	spec := models.TaskSpec{TargetClass: "fire", Threshold: 0.5}
	m := NewMachine(map[string]models.TaskSpec{"fire": spec}, 30*time.Second)

	_, ok := m.Observe(fireEvent(0, 0.6))
	require.True(t, ok)

	_, ok = m.Observe(fireEvent(10*time.Second, 0.95))
	assert.False(t, ok)

	st := m.State("fire")
	assert.InDelta(t, 0.6, st.TriggerConfidence, 1e-9)
	assert.InDelta(t, 0.95, st.LastConfidence, 1e-9)
	assert.Equal(t, t0.Add(10*time.Second), st.LastPositive)
}
