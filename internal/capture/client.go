// Package capture implements the capture client: one frame per cycle sent to
// the worker, with failure bookkeeping and backoff so a struggling worker is
// not hammered.
package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"edgeguard/internal/alarm"
	"edgeguard/internal/failures"
	"edgeguard/internal/models"
)

// Detector is the worker API used by the client
type Detector interface {
	Detect(ctx context.Context, req models.DetectRequest) (*models.DetectResponse, error)
}

// Sink receives everything the client produces
type Sink interface {
	PublishDetection(ev models.DetectionEvent)
	PublishAlarm(tr models.AlarmTransition)
	PublishHealth(h models.ClientHealth)
}

// Config holds capture client settings
type Config struct {
	DeviceID          string
	Task              string
	Tasks             map[string]models.TaskSpec
	Interval          time.Duration
	RequestTimeout    time.Duration
	DegradedThreshold int
	Backoff           []time.Duration
	AlarmGrace        time.Duration
	HistorySize       int
	HealthEvery       int
}

// Client runs capture cycles strictly one after another
type Client struct {
	cfg      Config
	source   FrameSource
	detector Detector
	sink     Sink
	alarms   *alarm.Machine
	health   *Tracker

	mu      sync.RWMutex
	task    string
	history []models.DetectionEvent
	cycles  int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewClient validates cfg and wires the client. sink may be nil.
func NewClient(cfg Config, source FrameSource, detector Detector, sink Sink) (*Client, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("capture interval must be positive")
	}
	if cfg.RequestTimeout <= 0 || cfg.RequestTimeout >= cfg.Interval {
		return nil, fmt.Errorf("request timeout %s must be shorter than the capture interval %s",
			cfg.RequestTimeout, cfg.Interval)
	}
	if cfg.Tasks == nil {
		cfg.Tasks = models.DefaultTasks()
	}
	if _, ok := cfg.Tasks[cfg.Task]; !ok {
		return nil, fmt.Errorf("unknown task %q", cfg.Task)
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = 10
	}

	return &Client{
		cfg:      cfg,
		source:   source,
		detector: detector,
		sink:     sink,
		alarms:   alarm.NewMachine(cfg.Tasks, cfg.AlarmGrace),
		health:   NewTracker(cfg.DeviceID, cfg.Task, cfg.DegradedThreshold),
		task:     cfg.Task,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// Task returns the active task
func (c *Client) Task() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.task
}

// SetTask switches the active task; takes effect on the next cycle
func (c *Client) SetTask(task string) error {
	if _, ok := c.cfg.Tasks[task]; !ok {
		return fmt.Errorf("unknown task %q", task)
	}
	c.mu.Lock()
	prev := c.task
	c.task = task
	c.mu.Unlock()

	c.health.SetTask(task)
	if prev != task {
		slog.Info("Capture: task switched", "device", c.cfg.DeviceID, "from", prev, "to", task)
	}
	return nil
}

// FollowTasks applies task changes from ch until ctx is done or ch closes
func (c *Client) FollowTasks(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-ch:
			if !ok {
				return
			}
			if err := c.SetTask(task); err != nil {
				slog.Warn("Capture: ignoring task change", "device", c.cfg.DeviceID, "error", err)
			}
		}
	}
}

// CaptureAndDetect runs one cycle's I/O: acquire a frame, send it to the
// worker and build the resulting event.
func (c *Client) CaptureAndDetect(ctx context.Context) (models.DetectionEvent, error) {
	task := c.Task()
	spec := c.cfg.Tasks[task]

	frame, err := c.source.Next(ctx)
	if err != nil {
		return models.DetectionEvent{}, failures.E(failures.InputError, "capture", err)
	}

	threshold := spec.Threshold
	req := models.DetectRequest{
		Image:     base64.StdEncoding.EncodeToString(frame.Data),
		Model:     spec.Model,
		Threshold: &threshold,
		DeviceID:  c.cfg.DeviceID,
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	sent := c.now()
	resp, err := c.detector.Detect(reqCtx, req)
	if err != nil {
		if failures.KindOf(err) == failures.Unknown {
			err = failures.E(failures.TransientWorkerError, "detect", err)
		}
		return models.DetectionEvent{}, err
	}

	return models.DetectionEvent{
		ID:           models.NewEventID(),
		DeviceID:     c.cfg.DeviceID,
		Task:         task,
		Model:        resp.ModelUsed,
		Detections:   resp.Detections,
		LatencyMS:    float64(c.now().Sub(sent).Microseconds()) / 1000,
		ImageWidth:   resp.ImageSize[0],
		ImageHeight:  resp.ImageSize[1],
		RequestCount: resp.RequestCount,
		Timestamp:    frame.CapturedAt,
	}, nil
}

// Serve runs cycles until ctx is cancelled
func (c *Client) Serve(ctx context.Context) error {
	slog.Info("Capture: starting",
		"device", c.cfg.DeviceID,
		"task", c.Task(),
		"interval", c.cfg.Interval,
		"timeout", c.cfg.RequestTimeout)

	for {
		delay := c.cycle(ctx)
		if ctx.Err() != nil {
			slog.Info("Capture: stopped", "device", c.cfg.DeviceID)
			return nil
		}
		if !c.sleep(ctx, delay) {
			slog.Info("Capture: stopped", "device", c.cfg.DeviceID)
			return nil
		}
	}
}

func (c *Client) String() string {
	return "capture-" + c.cfg.DeviceID
}

// cycle runs one capture and returns the wait before the next one
func (c *Client) cycle(ctx context.Context) time.Duration {
	start := c.now()
	ev, err := c.CaptureAndDetect(ctx)
	if ctx.Err() != nil {
		return 0
	}
	elapsed := c.now().Sub(start)

	c.mu.Lock()
	c.cycles++
	periodic := c.cycles%c.cfg.HealthEvery == 0
	c.mu.Unlock()

	if err != nil {
		h := c.health.RecordFailure(err, c.now())
		if h.Degraded {
			slog.Warn("Capture: worker degraded",
				"device", c.cfg.DeviceID,
				"consecutive_failures", h.ConsecutiveFailures,
				"kind", h.LastErrorKind,
				"error", err)
			c.publishHealth(h)
		} else {
			slog.Warn("Capture: cycle failed",
				"device", c.cfg.DeviceID,
				"consecutive_failures", h.ConsecutiveFailures,
				"error", err)
			if periodic {
				c.publishHealth(h)
			}
		}
		return NextDelay(c.cfg.Interval, elapsed, h.ConsecutiveFailures, c.cfg.DegradedThreshold, c.cfg.Backoff)
	}

	prev := c.health.Snapshot()
	h := c.health.RecordSuccess(c.now())
	if prev.ConsecutiveFailures > 0 {
		slog.Info("Capture: worker recovered", "device", c.cfg.DeviceID, "after_failures", prev.ConsecutiveFailures)
	}
	if prev.ConsecutiveFailures > 0 || periodic {
		c.publishHealth(h)
	}

	c.record(ev)
	if c.sink != nil {
		c.sink.PublishDetection(ev)
	}
	if tr, ok := c.alarms.Observe(ev); ok && c.sink != nil {
		c.sink.PublishAlarm(tr)
	}
	return NextDelay(c.cfg.Interval, elapsed, 0, c.cfg.DegradedThreshold, c.cfg.Backoff)
}

func (c *Client) publishHealth(h models.ClientHealth) {
	if c.sink != nil {
		c.sink.PublishHealth(h)
	}
}

func (c *Client) record(ev models.DetectionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, ev)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// History returns the most recent events, oldest first
func (c *Client) History() []models.DetectionEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.DetectionEvent(nil), c.history...)
}

// Health returns the current health snapshot
func (c *Client) Health() models.ClientHealth {
	return c.health.Snapshot()
}

// AlarmState returns the hysteresis state of a task
func (c *Client) AlarmState(task string) models.AlarmState {
	return c.alarms.State(task)
}

// Close releases the frame source
func (c *Client) Close() error {
	return c.source.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
