package models

import "time"

// Device status values
const (
	DeviceActive  = "ACTIVE"
	DeviceOffline = "OFFLINE"
)

// Device is the aggregator's view of one capture client
type Device struct {
	DeviceID       string       `json:"device_id"`
	Task           string       `json:"task"`
	Status         string       `json:"status"`
	LastSeen       time.Time    `json:"last_seen"`
	LastDetection  time.Time    `json:"last_detection,omitempty"`
	LastConfidence float64      `json:"last_confidence"`
	Detections     uint64       `json:"detections"`
	AlarmActive    bool         `json:"alarm_active"`
	Health         ClientHealth `json:"health"`
}

// SystemStatus is the aggregated snapshot broadcast by the aggregator
type SystemStatus struct {
	Devices       []Device       `json:"devices"`
	ActiveAlarms  int            `json:"active_alarms"`
	Supervisor    *HealthSummary `json:"supervisor,omitempty"`
	DegradedCount int            `json:"degraded_count"`
	Timestamp     time.Time      `json:"timestamp"`
}

// StatusEnvelope wraps any record republished to the event stream
type StatusEnvelope struct {
	Type      string    `json:"type"` // detection, alarm, client_health, supervisor_health
	DeviceID  string    `json:"device_id,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
