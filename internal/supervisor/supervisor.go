// Package supervisor launches worker processes, probes them and restarts
// them within a global restart budget.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/thejerf/suture/v4"

	"edgeguard/internal/models"
)

// Notifier sends the terminal alert
type Notifier interface {
	SendExhausted(ctx context.Context, h models.ProcessHealth) error
}

// SummaryPublisher broadcasts the health summary
type SummaryPublisher interface {
	PublishSupervisorHealth(s models.HealthSummary)
}

// Options wires optional collaborators
type Options struct {
	Launcher        Launcher
	ProberFor       func(ProcessSpec) Prober
	Notifier        Notifier
	Publisher       SummaryPublisher
	PublishInterval time.Duration
	Addr            string
}

// Supervisor hosts one Monitor per managed process
type Supervisor struct {
	monitors []*Monitor
	opts     Options
}

func New(specs []ProcessSpec, policy Policy, opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 10 * time.Second
	}

	s := &Supervisor{opts: opts}
	for _, spec := range specs {
		var prober Prober
		if opts.ProberFor != nil {
			prober = opts.ProberFor(spec)
		}
		m := NewMonitor(spec, policy, opts.Launcher, prober)
		m.OnExhausted(s.exhausted)
		s.monitors = append(s.monitors, m)
	}
	return s
}

func (s *Supervisor) Monitors() []*Monitor {
	return s.monitors
}

// Serve runs every monitor, the health endpoint and the publisher under one
// suture tree until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error {
	tree := suture.New("edgeguard-supervisor", suture.Spec{
		EventHook: func(e suture.Event) {
			slog.Warn("Supervisor: service event", "event", e.String())
		},
		Timeout: 2 * s.monitorGrace(),
	})

	for _, m := range s.monitors {
		tree.Add(m)
	}
	if s.opts.Addr != "" {
		tree.Add(&healthServer{sup: s, addr: s.opts.Addr})
	}
	if s.opts.Publisher != nil {
		tree.Add(&summaryLoop{sup: s})
	}

	slog.Info("Supervisor: starting", "processes", len(s.monitors), "addr", s.opts.Addr)
	err := tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) String() string {
	return "edgeguard-supervisor"
}

func (s *Supervisor) monitorGrace() time.Duration {
	grace := 5 * time.Second
	for _, m := range s.monitors {
		if m.policy.TerminationGrace > grace {
			grace = m.policy.TerminationGrace
		}
	}
	return grace + 5*time.Second
}

// Summary is the only view of managed processes offered to other components
func (s *Supervisor) Summary() models.HealthSummary {
	sum := models.HealthSummary{Healthy: true, Timestamp: time.Now().UTC()}
	for _, m := range s.monitors {
		h := m.Health()
		if h.State == models.StateExhausted {
			sum.Exhausted = true
		}
		if h.State != models.StateHealthy {
			sum.Healthy = false
		}
		sum.Processes = append(sum.Processes, h)
	}
	return sum
}

func (s *Supervisor) exhausted(h models.ProcessHealth) {
	if s.opts.Publisher != nil {
		s.opts.Publisher.PublishSupervisorHealth(s.Summary())
	}
	if s.opts.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.opts.Notifier.SendExhausted(ctx, h); err != nil {
		slog.Error("Supervisor: failed to send exhausted alert", "process", h.Name, "error", err)
	}
}

// Handler serves GET /health; 503 once any process is EXHAUSTED
func (s *Supervisor) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/{name}", s.handleProcess).Methods(http.MethodGet)
	return router
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sum := s.Summary()
	code := http.StatusOK
	if sum.Exhausted {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

func (s *Supervisor) handleProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, m := range s.monitors {
		if m.spec.Name == name {
			writeJSON(w, http.StatusOK, m.Health())
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown process %q", name)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Supervisor: failed to encode response", "error", err)
	}
}

type healthServer struct {
	sup  *Supervisor
	addr string
}

func (h *healthServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.addr,
		Handler:           h.sup.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Supervisor: health endpoint listening", "addr", h.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("supervisor health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (h *healthServer) String() string {
	return "supervisor-health"
}

// summaryLoop publishes the summary periodically and after transitions
type summaryLoop struct {
	sup *Supervisor
}

func (l *summaryLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.sup.opts.PublishInterval)
	defer ticker.Stop()

	changed := make(chan struct{}, 1)
	for _, m := range l.sup.monitors {
		go forward(ctx, m.Changed(), changed)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-changed:
		}
		l.sup.opts.Publisher.PublishSupervisorHealth(l.sup.Summary())
	}
}

func (l *summaryLoop) String() string {
	return "supervisor-summary"
}

func forward(ctx context.Context, from <-chan struct{}, to chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-from:
			select {
			case to <- struct{}{}:
			default:
			}
		}
	}
}
