package models

import "time"

// DetectRequest is the body of POST /detect
type DetectRequest struct {
	Image     string   `json:"image"` // base64, data URL prefix allowed
	Model     string   `json:"model"`
	Threshold *float64 `json:"threshold,omitempty"`
	DeviceID  string   `json:"device_id,omitempty"`
}

// DetectResponse is the body returned by POST /detect
type DetectResponse struct {
	Success          bool        `json:"success"`
	Detections       []Detection `json:"detections"`
	DetectionCount   int         `json:"detection_count"`
	Alerts           []Alert     `json:"alerts,omitempty"`
	ModelUsed        string      `json:"model_used"`
	ProcessingTimeMS float64     `json:"processing_time_ms"`
	ImageSize        [2]int      `json:"image_size"` // width, height
	DeviceID         string      `json:"device_id,omitempty"`
	RequestCount     uint64      `json:"request_count"`
	Timestamp        time.Time   `json:"timestamp"`
}

// ErrorResponse is returned by the worker for any failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// MemoryInfo describes the maintenance schedule of a worker
type MemoryInfo struct {
	CleanupInterval          uint64 `json:"cleanup_interval"`
	NextCleanupAt            uint64 `json:"next_cleanup_at"`
	ReloadInterval           uint64 `json:"reload_interval"`
	LastModelReload          uint64 `json:"last_model_reload"`
	RequestsSinceModelReload uint64 `json:"requests_since_model_reload"`
	NextModelReloadAt        uint64 `json:"next_model_reload_at"`
	HeapAllocBytes           uint64 `json:"heap_alloc_bytes"`
}

// WorkerStatus is the body of GET /status
type WorkerStatus struct {
	Online          bool           `json:"online"`
	Models          []string       `json:"models"`
	RequestCount    uint64         `json:"request_count"`
	LastGCCount     uint64         `json:"last_gc_count"`
	LastReloadCount uint64         `json:"last_reload_count"`
	LastReloadError string         `json:"last_reload_error,omitempty"`
	RecentFailures  map[string]int `json:"recent_failures"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	Memory          MemoryInfo     `json:"memory_info"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ModelInfo is one entry of GET /models
type ModelInfo struct {
	Name    string   `json:"name"`
	Classes []string `json:"classes"`
}
