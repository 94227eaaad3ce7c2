package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeguard/internal/failures"
	"edgeguard/internal/ml"
	"edgeguard/internal/models"
)

type fakeModel struct {
	name    string
	dets    []models.Detection
	err     error
	panics  bool
	flushed int
}

func (m *fakeModel) Name() string      { return m.name }
func (m *fakeModel) Classes() []string { return []string{"fire"} }
func (m *fakeModel) FlushCache()       { m.flushed++ }
func (m *fakeModel) Predict(image.Image, float64) ([]models.Detection, error) {
	if m.panics {
		panic("tensor exploded")
	}
	return m.dets, m.err
}

type fakeLoader struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(name string, call int) error
	made  map[string][]*fakeModel
	tmpl  fakeModel
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{calls: map[string]int{}, made: map[string][]*fakeModel{}}
}

func (l *fakeLoader) Load(_ context.Context, name string) (ml.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[name]++
	if l.fail != nil {
		if err := l.fail(name, l.calls[name]); err != nil {
			return nil, err
		}
	}
	m := l.tmpl
	m.name = name
	l.made[name] = append(l.made[name], &m)
	return &m, nil
}

func (l *fakeLoader) callCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[name]
}

func encodedImage(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 4))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestWorker(t *testing.T, loader *fakeLoader) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Models = []string{"fire_detection"}
	cfg.DefaultModel = "fire_detection"
	w, err := New(context.Background(), cfg, loader)
	require.NoError(t, err)
	return w
}

func TestRequestBudgetTriggerLaw(t *testing.T) {
	t.Parallel()

	b := NewRequestBudget(20, 100)
	var gcAt, reloadAt []uint64
	for i := 0; i < 250; i++ {
		count, gc, reload := b.Next()
		if gc {
			gcAt = append(gcAt, count)
		}
		if reload {
			reloadAt = append(reloadAt, count)
		}
	}

	assert.Equal(t, []uint64{20, 40, 60, 80, 100, 120, 140, 160, 180, 200, 220, 240}, gcAt)
	assert.Equal(t, []uint64{100, 200}, reloadAt)
	assert.Equal(t, uint64(250), b.Count())
	assert.Equal(t, uint64(240), b.LastGC())
	assert.Equal(t, uint64(200), b.LastReload())
}

func TestRequestBudgetDisabledIntervals(t *testing.T) {
	t.Parallel()

	b := NewRequestBudget(0, 0)
	for i := 0; i < 10; i++ {
		_, gc, reload := b.Next()
		assert.False(t, gc)
		assert.False(t, reload)
	}
}

func TestHundredCallsStatus(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	w := newTestWorker(t, loader)
	img := encodedImage(t)

	for i := 0; i < 100; i++ {
		_, err := w.Detect(context.Background(), models.DetectRequest{Image: img, Model: "fire_detection"})
		require.NoError(t, err)
	}

	status := w.Status()
	assert.Equal(t, uint64(100), status.RequestCount)
	assert.Equal(t, uint64(100), status.LastReloadCount)
	assert.Equal(t, uint64(100), status.LastGCCount)
	assert.Equal(t, uint64(0), status.Memory.RequestsSinceModelReload)
	assert.Equal(t, uint64(200), status.Memory.NextModelReloadAt)
	assert.Equal(t, uint64(120), status.Memory.NextCleanupAt)
	assert.Equal(t, []string{"fire_detection"}, status.Models)
	assert.Empty(t, status.LastReloadError)
	assert.Equal(t, 2, loader.callCount("fire_detection"))
}

func TestGCFlushesModelCaches(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	w := newTestWorker(t, loader)
	img := encodedImage(t)

	for i := 0; i < 40; i++ {
		_, err := w.Detect(context.Background(), models.DetectRequest{Image: img})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, loader.made["fire_detection"][0].flushed)
}

func TestReloadFailureKeepsPreviousModel(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.fail = func(_ string, call int) error {
		if call > 1 {
			return errors.New("artifact store unreachable")
		}
		return nil
	}
	w := newTestWorker(t, loader)
	original, ok := w.table.Load().Get("fire_detection")
	require.True(t, ok)
	img := encodedImage(t)

	for i := 0; i < 150; i++ {
		_, err := w.Detect(context.Background(), models.DetectRequest{Image: img, Model: "fire_detection"})
		require.NoError(t, err, "request %d", i+1)
	}

	current, ok := w.table.Load().Get("fire_detection")
	require.True(t, ok)
	assert.Same(t, original, current)

	status := w.Status()
	assert.Equal(t, uint64(100), status.LastReloadCount)
	assert.Contains(t, status.LastReloadError, "artifact store unreachable")
	// retried on the next accumulation, not on every request
	assert.Equal(t, 2, loader.callCount("fire_detection"))
}

func TestReloadSwapsInFreshInstance(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	w := newTestWorker(t, loader)
	before, _ := w.table.Load().Get("fire_detection")

	w.reloadModels(context.Background(), 100)

	after, _ := w.table.Load().Get("fire_detection")
	assert.NotSame(t, before, after)
	assert.Empty(t, w.Status().LastReloadError)
}

func TestDetectInputErrors(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, newFakeLoader())
	img := encodedImage(t)
	bad := 1.5

	tests := []struct {
		name string
		req  models.DetectRequest
		want error
	}{
		{name: "unknown model", req: models.DetectRequest{Image: img, Model: "nope"}, want: ErrModelNotFound},
		{name: "bad image", req: models.DetectRequest{Image: "!!!", Model: "fire_detection"}, want: ErrDecode},
		{name: "bad threshold", req: models.DetectRequest{Image: img, Threshold: &bad}, want: ErrBadThreshold},
	}
	for _, tt := range tests {
		_, err := w.Detect(context.Background(), tt.req)
		require.Error(t, err, tt.name)
		assert.ErrorIs(t, err, tt.want, tt.name)
		assert.Equal(t, failures.InputError, failures.KindOf(err), tt.name)
	}

	status := w.Status()
	assert.Equal(t, uint64(3), status.RequestCount)
	assert.Equal(t, 3, status.RecentFailures["input_error"])
}

func TestDetectInternalErrors(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.tmpl = fakeModel{panics: true}
	w := newTestWorker(t, loader)

	_, err := w.Detect(context.Background(), models.DetectRequest{Image: encodedImage(t)})
	require.Error(t, err)
	assert.Equal(t, failures.WorkerInternalError, failures.KindOf(err))

	loader2 := newFakeLoader()
	loader2.tmpl = fakeModel{err: errors.New("cuda oom")}
	w2 := newTestWorker(t, loader2)
	_, err = w2.Detect(context.Background(), models.DetectRequest{Image: encodedImage(t)})
	assert.Equal(t, failures.WorkerInternalError, failures.KindOf(err))
}

func TestDetectBuildsAlerts(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.tmpl = fakeModel{dets: []models.Detection{
		{Class: "fire", Confidence: 0.95},
		{Class: "smoke", Confidence: 0.85},
		{Class: "leaf", Confidence: 0.99},
	}}
	w := newTestWorker(t, loader)

	resp, err := w.Detect(context.Background(), models.DetectRequest{Image: encodedImage(t), DeviceID: "cam-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.DetectionCount)
	assert.Equal(t, [2]int{6, 4}, resp.ImageSize)
	assert.Equal(t, "cam-1", resp.DeviceID)
	require.Len(t, resp.Alerts, 2)
	assert.Equal(t, "HIGH", resp.Alerts[0].Severity)
	assert.Equal(t, "MEDIUM", resp.Alerts[1].Severity)
}

func TestNewWithoutModels(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.fail = func(string, int) error { return ml.ErrArtifactNotFound }
	cfg := DefaultConfig()
	cfg.Models = []string{"a"}

	_, err := New(context.Background(), cfg, loader)
	assert.ErrorIs(t, err, ErrNoModels)
}

func TestConcurrentDetectWithRealModels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ml.NewDirStore(t.TempDir())
	require.NoError(t, ml.Seed(ctx, store))

	cfg := DefaultConfig()
	cfg.Models = []string{"fire_detection", "yellow_leaves"}
	cfg.DefaultModel = "fire_detection"
	cfg.GCInterval = 3
	cfg.ReloadInterval = 7
	w, err := New(ctx, cfg, ml.NewLoader(store))
	require.NoError(t, err)

	img := encodedImage(t)
	const goroutines, calls = 8, 50
	var failed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			model := cfg.Models[g%len(cfg.Models)]
			for i := 0; i < calls; i++ {
				resp, err := w.Detect(ctx, models.DetectRequest{Image: img, Model: model})
				if err != nil || resp == nil || resp.ModelUsed != model {
					failed.Add(1)
				}
				_ = w.Status()
			}
		}(g)
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	status := w.Status()
	assert.Equal(t, uint64(goroutines*calls), status.RequestCount)
	assert.ElementsMatch(t, cfg.Models, status.Models)
	assert.Empty(t, status.LastReloadError)
	assert.Equal(t, uint64(399), status.LastGCCount)
	assert.Equal(t, uint64(399), status.LastReloadCount)
}

func TestDetectRejectsImageOverPixelBudget(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Models = []string{"fire_detection"}
	cfg.DefaultModel = "fire_detection"
	cfg.MaxImagePixels = 10
	loader := newFakeLoader()
	w, err := New(context.Background(), cfg, loader)
	require.NoError(t, err)

	resp, err := w.Detect(context.Background(), models.DetectRequest{Image: encodedImage(t)})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, ml.ErrImageTooLarge)
	assert.Equal(t, failures.InputError, failures.KindOf(err))
	assert.Equal(t, 1, w.Status().RecentFailures["input_error"])
}

func TestDecodePanicIsInternalError(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, newFakeLoader())
	w.decode = func(string, int) (image.Image, string, error) {
		panic("corrupt huffman table")
	}

	resp, err := w.Detect(context.Background(), models.DetectRequest{Image: encodedImage(t)})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, failures.WorkerInternalError, failures.KindOf(err))
	assert.Contains(t, err.Error(), "panicked")

	status := w.Status()
	assert.Equal(t, 1, status.RecentFailures["worker_internal_error"])
	assert.Equal(t, uint64(1), status.RequestCount)
}
