package ml

import (
	"encoding/json"
	"fmt"
	"image"
	"sort"
	"sync"

	"edgeguard/internal/models"
)

// ClassSpec describes one class as an inclusive RGB range
type ClassSpec struct {
	ID   int      `json:"id"`
	Name string   `json:"name"`
	Min  [3]uint8 `json:"min"`
	Max  [3]uint8 `json:"max"`
}

// Descriptor is the JSON artifact a ColorModel is built from
type Descriptor struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Classes []ClassSpec `json:"classes"`
	// Saturation is the matching-pixel fraction that maps to confidence 1.0
	Saturation float64 `json:"saturation"`
	// Stride samples every n-th pixel in both directions
	Stride int `json:"stride"`
}

// ColorModel scores each class by the fraction of pixels inside its colour
// range and boxes the matching pixels.
type ColorModel struct {
	desc Descriptor

	mu    sync.Mutex
	masks map[image.Point][]uint8
}

// LoadColorModel parses and validates a descriptor
func LoadColorModel(data []byte) (*ColorModel, error) {
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model descriptor: %w", err)
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("model descriptor has no name")
	}
	if len(desc.Classes) == 0 {
		return nil, fmt.Errorf("model %s has no classes", desc.Name)
	}
	for _, c := range desc.Classes {
		for i := 0; i < 3; i++ {
			if c.Min[i] > c.Max[i] {
				return nil, fmt.Errorf("model %s class %s: min above max", desc.Name, c.Name)
			}
		}
	}
	if desc.Saturation <= 0 || desc.Saturation > 1 {
		desc.Saturation = 0.25
	}
	if desc.Stride <= 0 {
		desc.Stride = 1
	}

	return &ColorModel{
		desc:  desc,
		masks: make(map[image.Point][]uint8),
	}, nil
}

func (m *ColorModel) Name() string {
	return m.desc.Name
}

func (m *ColorModel) Version() string {
	return m.desc.Version
}

func (m *ColorModel) Classes() []string {
	names := make([]string, len(m.desc.Classes))
	for i, c := range m.desc.Classes {
		names[i] = c.Name
	}
	return names
}

type classHits struct {
	count                  int
	minX, minY, maxX, maxY int
}

// Predict returns one detection per class whose confidence reaches threshold,
// highest confidence first.
func (m *ColorModel) Predict(img image.Image, threshold float64) ([]models.Detection, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mask := m.maskFor(b.Size())
	hits := make([]classHits, len(m.desc.Classes))
	for i := range hits {
		hits[i] = classHits{minX: b.Max.X, minY: b.Max.Y, maxX: b.Min.X - 1, maxY: b.Min.Y - 1}
	}

	sampled := 0
	stride := m.desc.Stride
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			sampled++
			r, g, bl, _ := img.At(x, y).RGBA()
			px := [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)}
			idx := (y-b.Min.Y)*b.Dx() + (x - b.Min.X)
			mask[idx] = 0
			for ci, c := range m.desc.Classes {
				if !inRange(px, c.Min, c.Max) {
					continue
				}
				mask[idx] = uint8(ci + 1)
				h := &hits[ci]
				h.count++
				h.minX = min(h.minX, x)
				h.minY = min(h.minY, y)
				h.maxX = max(h.maxX, x)
				h.maxY = max(h.maxY, y)
				break
			}
		}
	}

	var detections []models.Detection
	for ci, h := range hits {
		if h.count == 0 {
			continue
		}
		fraction := float64(h.count) / float64(sampled)
		confidence := fraction / m.desc.Saturation
		if confidence > 1 {
			confidence = 1
		}
		if confidence < threshold {
			continue
		}
		c := m.desc.Classes[ci]
		detections = append(detections, models.Detection{
			ClassID:    c.ID,
			Class:      c.Name,
			Confidence: confidence,
			BBox:       models.NewBBox(float64(h.minX), float64(h.minY), float64(h.maxX+1), float64(h.maxY+1)),
		})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	return detections, nil
}

// maskFor returns the scratch mask for an image size. Masks accumulate per
// distinct size until FlushCache.
func (m *ColorModel) maskFor(size image.Point) []uint8 {
	mask, ok := m.masks[size]
	if !ok {
		mask = make([]uint8, size.X*size.Y)
		m.masks[size] = mask
	}
	return mask
}

// FlushCache drops all scratch masks
func (m *ColorModel) FlushCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masks = make(map[image.Point][]uint8)
}

// CacheEntries returns the number of retained scratch masks
func (m *ColorModel) CacheEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.masks)
}

func inRange(px, lo, hi [3]uint8) bool {
	for i := 0; i < 3; i++ {
		if px[i] < lo[i] || px[i] > hi[i] {
			return false
		}
	}
	return true
}

// SampleDescriptors returns the built-in fire and yellow-leaves descriptors
func SampleDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:    "fire_detection",
			Version: "v1",
			Classes: []ClassSpec{
				{ID: 0, Name: "fire", Min: [3]uint8{200, 60, 0}, Max: [3]uint8{255, 190, 90}},
				{ID: 1, Name: "smoke", Min: [3]uint8{110, 110, 110}, Max: [3]uint8{190, 190, 190}},
			},
			Saturation: 0.2,
			Stride:     2,
		},
		{
			Name:    "yellow_leaves",
			Version: "v1",
			Classes: []ClassSpec{
				{ID: 0, Name: "yellow_leaf", Min: [3]uint8{180, 160, 0}, Max: [3]uint8{255, 255, 110}},
				{ID: 1, Name: "healthy_leaf", Min: [3]uint8{0, 90, 0}, Max: [3]uint8{120, 255, 110}},
			},
			Saturation: 0.3,
			Stride:     2,
		},
	}
}
