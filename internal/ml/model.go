// Package ml holds the detection models served by the worker and the
// artifact stores they are (re)loaded from.
package ml

import (
	"image"

	"edgeguard/internal/models"
)

// Model is an opaque detector: image in, detections out.
type Model interface {
	Name() string
	Classes() []string
	Predict(img image.Image, threshold float64) ([]models.Detection, error)
}

// CacheFlusher is implemented by models that keep per-shape scratch buffers.
// The worker calls FlushCache on every light cleanup.
type CacheFlusher interface {
	FlushCache()
}
