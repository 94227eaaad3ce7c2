package models

import (
	"time"

	"github.com/google/uuid"
)

// BBox is a detection bounding box in pixel coordinates
type BBox struct {
	X1     float64    `json:"x1"`
	Y1     float64    `json:"y1"`
	X2     float64    `json:"x2"`
	Y2     float64    `json:"y2"`
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
	Center [2]float64 `json:"center"`
}

// NewBBox builds a box from its corners and fills the derived fields
func NewBBox(x1, y1, x2, y2 float64) BBox {
	return BBox{
		X1:     x1,
		Y1:     y1,
		X2:     x2,
		Y2:     y2,
		Width:  x2 - x1,
		Height: y2 - y1,
		Center: [2]float64{(x1 + x2) / 2, (y1 + y2) / 2},
	}
}

// Detection is one (class, confidence, bbox) result of a model
type Detection struct {
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"` // 0-1
	BBox       BBox    `json:"bbox"`
}

// Alert flags a detection of a critical class in a worker response
type Alert struct {
	Type       string  `json:"type"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Severity   string  `json:"severity"` // HIGH or MEDIUM
	Action     string  `json:"action"`
}

// DetectionEvent is the outcome of one successful capture cycle.
// Events are values and are never mutated after creation.
type DetectionEvent struct {
	ID           string      `json:"id"`
	DeviceID     string      `json:"device_id"`
	Task         string      `json:"task"`
	Model        string      `json:"model"`
	Detections   []Detection `json:"detections"`
	LatencyMS    float64     `json:"latency_ms"`
	ImageWidth   int         `json:"image_width"`
	ImageHeight  int         `json:"image_height"`
	RequestCount uint64      `json:"request_count"`
	Timestamp    time.Time   `json:"timestamp"`
}

// MaxConfidence returns the highest confidence among the detections, or 0.
func (e DetectionEvent) MaxConfidence() float64 {
	best := 0.0
	for _, d := range e.Detections {
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}

// NewEventID returns a random identifier for events and transitions
func NewEventID() string {
	return uuid.NewString()
}

// DetectionRecord is a persisted detection row as returned by history queries
type DetectionRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
	Task           string    `json:"task"`
	Model          string    `json:"model"`
	Detected       bool      `json:"detected"`
	DetectionCount uint32    `json:"detection_count"`
	TopClass       string    `json:"top_class"`
	Confidence     float64   `json:"confidence"`
	BBox           string    `json:"bbox"` // JSON
	ImageSize      string    `json:"image_size"`
	LatencyMS      float64   `json:"latency_ms"`
}

// DetectionStats summarises detections for one task over a time window
type DetectionStats struct {
	Task          string  `json:"task"`
	Total         uint64  `json:"total"`
	Positive      uint64  `json:"positive"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
}
