package capture

import (
	"sync"
	"time"

	"edgeguard/internal/failures"
	"edgeguard/internal/models"
)

// Tracker keeps the client's consecutive-failure bookkeeping
type Tracker struct {
	mu        sync.Mutex
	threshold int
	h         models.ClientHealth
}

func NewTracker(deviceID, task string, degradedThreshold int) *Tracker {
	return &Tracker{
		threshold: degradedThreshold,
		h: models.ClientHealth{
			DeviceID: deviceID,
			Task:     task,
			Status:   models.HealthGood,
		},
	}
}

// RecordSuccess resets the failure streak
func (t *Tracker) RecordSuccess(at time.Time) models.ClientHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.h.TotalRequests++
	t.h.ConsecutiveFailures = 0
	t.h.LastSuccess = at
	t.h.LastError = ""
	t.h.LastErrorKind = ""
	t.refreshLocked(at)
	return t.h
}

// RecordFailure extends the failure streak by one
func (t *Tracker) RecordFailure(err error, at time.Time) models.ClientHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.h.TotalRequests++
	t.h.ConsecutiveFailures++
	if err != nil {
		t.h.LastError = err.Error()
		t.h.LastErrorKind = failures.KindOf(err).String()
	}
	t.refreshLocked(at)
	return t.h
}

func (t *Tracker) SetTask(task string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Task = task
}

func (t *Tracker) Snapshot() models.ClientHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *Tracker) refreshLocked(at time.Time) {
	t.h.Degraded = t.h.ConsecutiveFailures >= t.threshold
	t.h.Timestamp = at
	switch {
	case t.h.Degraded:
		t.h.Status = models.HealthCritical
	case t.h.ConsecutiveFailures > 0:
		t.h.Status = models.HealthWarning
	default:
		t.h.Status = models.HealthGood
	}
}
