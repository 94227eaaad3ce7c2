package models

import "time"

// Client health levels reported by capture clients
const (
	HealthGood     = "good"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// ClientHealth is the capture client's view of its own connection to the worker
type ClientHealth struct {
	DeviceID            string    `json:"device_id"`
	Task                string    `json:"task"`
	TotalRequests       uint64    `json:"total_requests"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	Degraded            bool      `json:"degraded"`
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
}

// AlarmState is the per-task hysteresis state
type AlarmState struct {
	Task              string    `json:"task"`
	Active            bool      `json:"active"`
	LastPositive      time.Time `json:"last_positive"`
	TriggerConfidence float64   `json:"trigger_confidence"`
	LastConfidence    float64   `json:"last_confidence"`
}

// AlarmTransition is emitted only when an alarm flag changes value
type AlarmTransition struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Task       string    `json:"task"`
	Active     bool      `json:"active"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessState is the supervisor's view of one managed process
type ProcessState string

const (
	StateStarting   ProcessState = "STARTING"
	StateHealthy    ProcessState = "HEALTHY"
	StateDegraded   ProcessState = "DEGRADED"
	StateFailed     ProcessState = "FAILED"
	StateRestarting ProcessState = "RESTARTING"
	StateExhausted  ProcessState = "EXHAUSTED"
	StateStopped    ProcessState = "STOPPED"
)

// Terminal reports whether no further transitions will happen
func (s ProcessState) Terminal() bool {
	return s == StateExhausted || s == StateStopped
}

// StateTransition records one supervisor state change
type StateTransition struct {
	From      ProcessState `json:"from"`
	To        ProcessState `json:"to"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// ProcessHealth is the exported copy of a supervisor's worker handle
type ProcessHealth struct {
	Name                     string            `json:"name"`
	State                    ProcessState      `json:"state"`
	PID                      int               `json:"pid"`
	Running                  bool              `json:"running"`
	StartedAt                time.Time         `json:"started_at"`
	Restarts                 int               `json:"restarts"`
	MaxRestarts              int               `json:"max_restarts"`
	ConsecutiveProbeFailures int               `json:"consecutive_probe_failures"`
	LastProbeAt              time.Time         `json:"last_probe_at"`
	LastHealthyAt            time.Time         `json:"last_healthy_at"`
	LastProbeError           string            `json:"last_probe_error,omitempty"`
	LastStatus               *WorkerStatus     `json:"last_status,omitempty"`
	LastExit                 string            `json:"last_exit,omitempty"`
	Transitions              []StateTransition `json:"transitions"`
	RecentOutput             []string          `json:"recent_output,omitempty"`
}

// HealthSummary is the supervisor's only externally visible state
type HealthSummary struct {
	Healthy   bool            `json:"healthy"`
	Exhausted bool            `json:"exhausted"`
	Processes []ProcessHealth `json:"processes"`
	Timestamp time.Time       `json:"timestamp"`
}
