// Package worker implements the inference worker: request-count driven memory
// maintenance, copy-and-swap model reloads and the HTTP API around them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"edgeguard/internal/failures"
	"edgeguard/internal/ml"
	"edgeguard/internal/models"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrDecode        = errors.New("image decode failed")
	ErrBadThreshold  = errors.New("threshold must be within [0, 1]")
	ErrNoModels      = errors.New("no models loaded")
)

// ModelLoader loads one model by name
type ModelLoader interface {
	Load(ctx context.Context, name string) (ml.Model, error)
}

// Config holds worker maintenance and inference settings
type Config struct {
	Models           []string
	DefaultModel     string
	DefaultThreshold float64
	GCInterval       uint64
	ReloadInterval   uint64
	ReloadTimeout    time.Duration
	FailureWindow    time.Duration
	CriticalClasses  []string
	AlertConfidence  float64
	MaxImagePixels   int
}

// DefaultConfig returns the standard maintenance schedule
func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 0.5,
		GCInterval:       20,
		ReloadInterval:   100,
		ReloadTimeout:    30 * time.Second,
		FailureWindow:    5 * time.Minute,
		CriticalClasses:  defaultCriticalClasses,
		AlertConfidence:  0.8,
		MaxImagePixels:   ml.DefaultMaxPixels,
	}
}

// Worker serves detections and maintains its own memory footprint
type Worker struct {
	cfg    Config
	loader ModelLoader
	table  atomic.Pointer[ml.Table]

	mu     sync.Mutex
	budget *RequestBudget

	reloadMu sync.Mutex

	requestCount  atomic.Uint64
	lastGC        atomic.Uint64
	lastReload    atomic.Uint64
	lastReloadErr atomic.Pointer[string]

	recent    *failureWindow
	startedAt time.Time
	now       func() time.Time
	decode    func(encoded string, maxPixels int) (image.Image, string, error)
}

// New loads the configured models and returns a ready worker. Models that
// fail to load are skipped; at least one must succeed.
func New(ctx context.Context, cfg Config, loader ModelLoader) (*Worker, error) {
	def := DefaultConfig()
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = def.ReloadTimeout
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.CriticalClasses == nil {
		cfg.CriticalClasses = def.CriticalClasses
	}
	if cfg.AlertConfidence <= 0 {
		cfg.AlertConfidence = def.AlertConfidence
	}
	if cfg.MaxImagePixels <= 0 {
		cfg.MaxImagePixels = def.MaxImagePixels
	}

	w := &Worker{
		cfg:       cfg,
		loader:    loader,
		budget:    NewRequestBudget(cfg.GCInterval, cfg.ReloadInterval),
		recent:    newFailureWindow(cfg.FailureWindow),
		startedAt: time.Now(),
		now:       time.Now,
		decode:    ml.DecodeBase64Image,
	}

	loaded := make(map[string]ml.Model, len(cfg.Models))
	for _, name := range cfg.Models {
		m, err := loader.Load(ctx, name)
		if err != nil {
			slog.Error("Worker: failed to load model", "model", name, "error", err)
			continue
		}
		loaded[name] = m
	}
	if len(loaded) == 0 {
		return nil, ErrNoModels
	}
	w.table.Store(ml.NewTable(loaded))

	slog.Info("Worker: ready",
		"models", w.table.Load().Names(),
		"gc_interval", cfg.GCInterval,
		"reload_interval", cfg.ReloadInterval)
	return w, nil
}

// Detect counts the request, runs any due maintenance and then inference.
func (w *Worker) Detect(ctx context.Context, req models.DetectRequest) (*models.DetectResponse, error) {
	start := w.now()
	count, dueGC, dueReload := w.next()

	if dueGC {
		w.collectGarbage(count)
	}
	if dueReload {
		w.reloadModels(ctx, count)
	}

	resp, err := w.detect(req, count, start)
	if err != nil {
		w.recent.add(failures.KindOf(err), w.now())
		return nil, err
	}
	return resp, nil
}

func (w *Worker) next() (uint64, bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	count, dueGC, dueReload := w.budget.Next()
	w.requestCount.Store(count)
	if dueGC {
		w.lastGC.Store(count)
	}
	if dueReload {
		w.lastReload.Store(count)
	}
	return count, dueGC, dueReload
}

func (w *Worker) detect(req models.DetectRequest, count uint64, start time.Time) (resp *models.DetectResponse, err error) {
	const op = "detect"

	name := w.cfg.DefaultModel
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = failures.Errorf(failures.WorkerInternalError, op, "detect with model %s panicked: %v", name, r)
		}
	}()

	if m := strings.TrimSpace(req.Model); m != "" {
		name = m
	}
	model, ok := w.table.Load().Get(name)
	if !ok {
		return nil, failures.E(failures.InputError, op, fmt.Errorf("%w: %q", ErrModelNotFound, name))
	}

	threshold := w.cfg.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, failures.E(failures.InputError, op, ErrBadThreshold)
	}

	img, _, err := w.decode(req.Image, w.cfg.MaxImagePixels)
	if err != nil {
		return nil, failures.E(failures.InputError, op, fmt.Errorf("%w: %w", ErrDecode, err))
	}

	dets, err := model.Predict(img, threshold)
	if err != nil {
		return nil, failures.E(failures.WorkerInternalError, op, fmt.Errorf("failed to run model %s: %w", name, err))
	}
	if dets == nil {
		dets = []models.Detection{}
	}

	size := img.Bounds().Size()
	return &models.DetectResponse{
		Success:          true,
		Detections:       dets,
		DetectionCount:   len(dets),
		Alerts:           buildAlerts(dets, w.cfg.CriticalClasses, w.cfg.AlertConfidence),
		ModelUsed:        name,
		ProcessingTimeMS: float64(w.now().Sub(start).Microseconds()) / 1000,
		ImageSize:        [2]int{size.X, size.Y},
		DeviceID:         req.DeviceID,
		RequestCount:     count,
		Timestamp:        w.now(),
	}, nil
}

// collectGarbage is the light cleanup step
func (w *Worker) collectGarbage(count uint64) {
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	w.table.Load().Each(func(m ml.Model) {
		if f, ok := m.(ml.CacheFlusher); ok {
			f.FlushCache()
		}
	})
	runtime.GC()
	debug.FreeOSMemory()

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	slog.Info("Worker: memory cleanup",
		"request", count,
		"heap_before", before.HeapAlloc,
		"heap_after", after.HeapAlloc)
}

// reloadModels rebuilds every model and swaps the new table in. A model that
// fails to load keeps its previous instance.
func (w *Worker) reloadModels(ctx context.Context, count uint64) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReloadTimeout)
	defer cancel()

	old := w.table.Load()
	names := old.Names()
	for _, name := range w.cfg.Models {
		if _, ok := old.Get(name); !ok {
			names = append(names, name)
		}
	}

	fresh := make(map[string]ml.Model, len(names))
	var errs []error
	for _, name := range names {
		m, err := w.loader.Load(ctx, name)
		if err != nil {
			slog.Error("Worker: ModelReloadFailed", "model", name, "request", count, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if prev, ok := old.Get(name); ok {
				fresh[name] = prev
			}
			continue
		}
		fresh[name] = m
	}

	w.table.Store(ml.NewTable(fresh))
	runtime.GC()

	if err := errors.Join(errs...); err != nil {
		msg := err.Error()
		w.lastReloadErr.Store(&msg)
	} else {
		w.lastReloadErr.Store(nil)
	}
	slog.Info("Worker: models reloaded", "request", count, "models", len(fresh), "failed", len(errs))
}

// Models returns the loaded models and their classes
func (w *Worker) Models() []models.ModelInfo {
	var out []models.ModelInfo
	w.table.Load().Each(func(m ml.Model) {
		out = append(out, models.ModelInfo{Name: m.Name(), Classes: m.Classes()})
	})
	return out
}

// Status reports counters and schedule without waiting on maintenance
func (w *Worker) Status() models.WorkerStatus {
	count := w.requestCount.Load()
	lastReload := w.lastReload.Load()

	var nextCleanup uint64
	if w.cfg.GCInterval > 0 {
		nextCleanup = (count/w.cfg.GCInterval + 1) * w.cfg.GCInterval
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := models.WorkerStatus{
		Online:          true,
		Models:          w.table.Load().Names(),
		RequestCount:    count,
		LastGCCount:     w.lastGC.Load(),
		LastReloadCount: lastReload,
		RecentFailures:  w.recent.counts(w.now()),
		UptimeSeconds:   w.now().Sub(w.startedAt).Seconds(),
		Memory: models.MemoryInfo{
			CleanupInterval:          w.cfg.GCInterval,
			NextCleanupAt:            nextCleanup,
			ReloadInterval:           w.cfg.ReloadInterval,
			LastModelReload:          lastReload,
			RequestsSinceModelReload: count - lastReload,
			NextModelReloadAt:        lastReload + w.cfg.ReloadInterval,
			HeapAllocBytes:           mem.HeapAlloc,
		},
		Timestamp: w.now(),
	}
	if msg := w.lastReloadErr.Load(); msg != nil {
		status.LastReloadError = *msg
	}
	return status
}
