package capture

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Frame is one captured image
type Frame struct {
	Data       []byte
	Name       string
	CapturedAt time.Time
}

// FrameSource produces frames until closed
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

var sampleExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// SamplePool serves images from a directory, chosen uniformly at random
type SamplePool struct {
	files []string
}

// NewSamplePool scans dir for jpg, jpeg, png and bmp files
func NewSamplePool(dir string) (*SamplePool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sampleExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no sample images in %s", dir)
	}
	sort.Strings(files)
	return &SamplePool{files: files}, nil
}

func (p *SamplePool) Files() []string {
	return append([]string(nil), p.files...)
}

func (p *SamplePool) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	path := p.files[rand.Intn(len(p.files))]
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read sample %s: %w", path, err)
	}
	return Frame{Data: data, Name: filepath.Base(path), CapturedAt: time.Now()}, nil
}

func (p *SamplePool) Close() error {
	return nil
}

// SnapshotSource fetches a still image from a camera's HTTP endpoint
type SnapshotSource struct {
	url        string
	httpClient *http.Client
}

func NewSnapshotSource(url string, timeout time.Duration) *SnapshotSource {
	return &SnapshotSource{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (s *SnapshotSource) Next(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Frame{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("camera returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("camera returned an empty frame")
	}
	return Frame{Data: data, Name: "snapshot", CapturedAt: time.Now()}, nil
}

func (s *SnapshotSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
