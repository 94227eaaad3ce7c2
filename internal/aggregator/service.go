package aggregator

import (
	"context"
	"log/slog"
	"time"

	"edgeguard/internal/models"
)

// Store persists aggregated records and answers history queries
type Store interface {
	SaveDetection(ctx context.Context, ev models.DetectionEvent) error
	SaveAlarm(ctx context.Context, tr models.AlarmTransition) error
	SaveClientHealth(ctx context.Context, h models.ClientHealth) error
	SaveProcessHealth(ctx context.Context, s models.HealthSummary) error
	QueryDetections(ctx context.Context, from, to time.Time, task string, limit int) ([]models.DetectionRecord, error)
	QueryAlarms(ctx context.Context, from, to time.Time) ([]models.AlarmTransition, error)
	Statistics(ctx context.Context, since time.Time) ([]models.DetectionStats, error)
}

// EventStream receives every record in envelope form
type EventStream interface {
	Publish(ctx context.Context, env models.StatusEnvelope) error
}

// StatusPublisher broadcasts the aggregated snapshot
type StatusPublisher interface {
	PublishStatus(s models.SystemStatus)
}

// AlarmNotifier is told about raised alarms
type AlarmNotifier interface {
	SendAlarm(ctx context.Context, tr models.AlarmTransition) (bool, error)
}

// Sources are the inbound report channels, usually an MQTT subscriber's
type Sources struct {
	Detections <-chan models.DetectionEvent
	Alarms     <-chan models.AlarmTransition
	Health     <-chan models.ClientHealth
	Supervisor <-chan models.HealthSummary
}

// Config holds the aggregator settings
type Config struct {
	OfflineAfter      time.Duration
	BroadcastInterval time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		OfflineAfter:      DefaultOfflineAfter,
		BroadcastInterval: 2 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Service consumes reports, keeps the device table current and forwards
// every record. Store, stream, publisher and notifier are all optional.
type Service struct {
	cfg       Config
	table     *DeviceTable
	sources   Sources
	store     Store
	stream    EventStream
	publisher StatusPublisher
	notifier  AlarmNotifier
}

// Option wires an optional collaborator
type Option func(*Service)

func WithStore(s Store) Option                     { return func(svc *Service) { svc.store = s } }
func WithEventStream(e EventStream) Option         { return func(svc *Service) { svc.stream = e } }
func WithStatusPublisher(p StatusPublisher) Option { return func(svc *Service) { svc.publisher = p } }
func WithNotifier(n AlarmNotifier) Option          { return func(svc *Service) { svc.notifier = n } }

// NewService creates a new aggregator service
func NewService(cfg Config, sources Sources, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	s := &Service{
		cfg:     cfg,
		table:   NewDeviceTable(cfg.OfflineAfter),
		sources: sources,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table exposes the live device table
func (s *Service) Table() *DeviceTable {
	return s.table
}

// Serve processes reports and broadcasts the status until ctx is cancelled
func (s *Service) Serve(ctx context.Context) error {
	slog.Info("Aggregator: starting", "broadcast_interval", s.cfg.BroadcastInterval)

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Aggregator: shutting down")
			return nil
		case ev := <-s.sources.Detections:
			s.HandleDetection(ctx, ev)
		case tr := <-s.sources.Alarms:
			s.HandleAlarm(ctx, tr)
		case h := <-s.sources.Health:
			s.HandleHealth(ctx, h)
		case sum := <-s.sources.Supervisor:
			s.HandleSupervisor(ctx, sum)
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

func (s *Service) String() string {
	return "aggregator"
}

// HandleDetection folds in one detection event
func (s *Service) HandleDetection(ctx context.Context, ev models.DetectionEvent) {
	s.table.ObserveDetection(ev)
	s.persist(ctx, "detection", func(ctx context.Context) error { return s.store.SaveDetection(ctx, ev) })
	s.forward(ctx, "detection", ev.DeviceID, ev, ev.Timestamp)
}

// HandleAlarm folds in one alarm transition and notifies when it is raised
func (s *Service) HandleAlarm(ctx context.Context, tr models.AlarmTransition) {
	s.table.ObserveAlarm(tr)
	if tr.Active {
		slog.Warn("Aggregator: alarm raised", "device", tr.DeviceID, "task", tr.Task, "confidence", tr.Confidence)
	} else {
		slog.Info("Aggregator: alarm cleared", "device", tr.DeviceID, "task", tr.Task)
	}

	s.persist(ctx, "alarm", func(ctx context.Context) error { return s.store.SaveAlarm(ctx, tr) })
	s.forward(ctx, "alarm", tr.DeviceID, tr, tr.Timestamp)

	if s.notifier != nil && tr.Active {
		sent, err := s.notifier.SendAlarm(ctx, tr)
		if err != nil {
			slog.Warn("Aggregator: failed to send alarm notification", "device", tr.DeviceID, "error", err)
		} else if !sent {
			slog.Debug("Aggregator: alarm notification suppressed by cooldown", "device", tr.DeviceID)
		}
	}
}

// HandleHealth folds in one client health report
func (s *Service) HandleHealth(ctx context.Context, h models.ClientHealth) {
	s.table.ObserveHealth(h)
	if h.Degraded {
		slog.Warn("Aggregator: client degraded", "device", h.DeviceID, "failures", h.ConsecutiveFailures)
	}
	s.persist(ctx, "client health", func(ctx context.Context) error { return s.store.SaveClientHealth(ctx, h) })
	s.forward(ctx, "client_health", h.DeviceID, h, h.Timestamp)
}

// HandleSupervisor folds in one supervisor summary
func (s *Service) HandleSupervisor(ctx context.Context, sum models.HealthSummary) {
	s.table.ObserveSupervisor(sum)
	if sum.Exhausted {
		slog.Error("Aggregator: supervisor reports exhausted restart budget")
	}
	s.persist(ctx, "process health", func(ctx context.Context) error { return s.store.SaveProcessHealth(ctx, sum) })
	s.forward(ctx, "supervisor_health", "", sum, sum.Timestamp)
}

// Broadcast publishes the current snapshot
func (s *Service) Broadcast() {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishStatus(s.table.Status())
}

func (s *Service) persist(ctx context.Context, what string, save func(context.Context) error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := save(ctx); err != nil {
		slog.Error("Aggregator: failed to save "+what, "error", err)
	}
}

func (s *Service) forward(ctx context.Context, kind, deviceID string, payload any, ts time.Time) {
	if s.stream == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	env := models.StatusEnvelope{Type: kind, DeviceID: deviceID, Payload: payload, Timestamp: ts}
	if err := s.stream.Publish(ctx, env); err != nil {
		slog.Warn("Aggregator: failed to forward record", "type", kind, "error", err)
	}
}
