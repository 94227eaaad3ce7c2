package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"edgeguard/internal/failures"
	"edgeguard/internal/models"
)

const maxTransitions = 64

// Policy holds the supervision timings and the restart budget
type Policy struct {
	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	StartupTimeout        time.Duration
	StartupPoll           time.Duration
	TerminationGrace      time.Duration
	UnresponsiveThreshold int
	MaxRestarts           int
	// RequestWarnAt logs a warning once a worker's request counter reaches it
	RequestWarnAt uint64
}

// DefaultPolicy mirrors the production monitor loop
func DefaultPolicy() Policy {
	return Policy{
		ProbeInterval:         10 * time.Second,
		ProbeTimeout:          3 * time.Second,
		StartupTimeout:        30 * time.Second,
		StartupPoll:           time.Second,
		TerminationGrace:      5 * time.Second,
		UnresponsiveThreshold: 3,
		MaxRestarts:           3,
	}
}

// Monitor owns one managed process and drives its state machine:
//
//	STARTING -> HEALTHY -> DEGRADED -> RESTARTING
//	HEALTHY -> FAILED -> RESTARTING -> HEALTHY | FAILED
//	DEGRADED | FAILED -> EXHAUSTED once the restart budget is spent
//
// The restart counter is never reset.
type Monitor struct {
	spec     ProcessSpec
	policy   Policy
	launcher Launcher
	prober   Prober

	onExhausted func(models.ProcessHealth)
	changed     chan struct{}

	mu     sync.RWMutex
	h      models.ProcessHealth
	proc   Process
	warned bool
}

// NewMonitor builds a monitor. prober may be nil for liveness-only supervision.
func NewMonitor(spec ProcessSpec, policy Policy, launcher Launcher, prober Prober) *Monitor {
	return &Monitor{
		spec:     spec,
		policy:   policy,
		launcher: launcher,
		prober:   prober,
		changed:  make(chan struct{}, 1),
		h: models.ProcessHealth{
			Name:        spec.Name,
			MaxRestarts: policy.MaxRestarts,
		},
	}
}

// OnExhausted registers the terminal alert hook
func (m *Monitor) OnExhausted(fn func(models.ProcessHealth)) {
	m.onExhausted = fn
}

// Changed is signalled after every state transition
func (m *Monitor) Changed() <-chan struct{} {
	return m.changed
}

func (m *Monitor) String() string {
	return "monitor-" + m.spec.Name
}

// Serve runs the supervision loop. It returns suture.ErrDoNotRestart once the
// process is EXHAUSTED and nil when ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context) error {
	if m.State() == models.StateExhausted {
		return suture.ErrDoNotRestart
	}
	m.setState(models.StateStarting, "launch")

	for {
		reason := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.stop()
			return nil
		}

		if m.Restarts() >= m.policy.MaxRestarts {
			m.setState(models.StateExhausted, reason)
			err := failures.Errorf(failures.SupervisionExhausted, "supervise",
				"%s exhausted %d restarts: %s", m.spec.Name, m.policy.MaxRestarts, reason)
			slog.Error("Supervisor: restart budget exhausted", "process", m.spec.Name, "error", err)
			if m.onExhausted != nil {
				m.onExhausted(m.Health())
			}
			return suture.ErrDoNotRestart
		}

		m.mu.Lock()
		m.h.Restarts++
		m.mu.Unlock()
		m.setState(models.StateRestarting, reason)
	}
}

// runOnce launches the process and supervises it until a failure is
// observed. It returns the failure reason.
func (m *Monitor) runOnce(ctx context.Context) string {
	proc, err := m.launcher.Launch(ctx, m.spec)
	if err != nil {
		reason := fmt.Sprintf("launch failed: %v", err)
		m.setState(models.StateFailed, reason)
		return reason
	}
	m.attach(proc)

	if err := m.awaitStartup(ctx, proc); err != nil {
		if ctx.Err() != nil {
			return ""
		}
		m.terminate(proc)
		reason := fmt.Sprintf("startup failed: %v", err)
		m.setState(models.StateFailed, reason)
		return reason
	}
	m.setState(models.StateHealthy, "startup probe ok")

	return m.watch(ctx, proc)
}

type probeOutcome struct {
	status *models.WorkerStatus
	err    error
	exited bool
}

// probe runs one bounded probe. An exit observed before or with the probe
// result wins and the result is discarded.
func (m *Monitor) probe(ctx context.Context, proc Process) probeOutcome {
	pctx, cancel := context.WithTimeout(ctx, m.policy.ProbeTimeout)
	defer cancel()

	ch := make(chan probeOutcome, 1)
	go func() {
		st, err := m.prober.Probe(pctx)
		ch <- probeOutcome{status: st, err: err}
	}()

	select {
	case <-proc.Done():
		return probeOutcome{exited: true}
	case o := <-ch:
		select {
		case <-proc.Done():
			return probeOutcome{exited: true}
		default:
		}
		return o
	}
}

func (m *Monitor) awaitStartup(ctx context.Context, proc Process) error {
	if m.prober == nil {
		return nil
	}

	deadline := time.NewTimer(m.policy.StartupTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.policy.StartupPoll)
	defer poll.Stop()

	for {
		o := m.probe(ctx, proc)
		if o.exited {
			return fmt.Errorf("exited during startup: %v", proc.ExitErr())
		}
		if o.err == nil {
			m.recordProbe(o, true)
			return nil
		}
		m.recordProbe(o, false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return fmt.Errorf("exited during startup: %v", proc.ExitErr())
		case <-deadline.C:
			return fmt.Errorf("no successful probe within %s", m.policy.StartupTimeout)
		case <-poll.C:
		}
	}
}

// watch probes a healthy process until it exits or stops responding
func (m *Monitor) watch(ctx context.Context, proc Process) string {
	ticker := time.NewTicker(m.policy.ProbeInterval)
	defer ticker.Stop()

	failed := 0
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-proc.Done():
			return m.exited(proc)
		case <-ticker.C:
		}

		if m.prober == nil {
			continue
		}
		o := m.probe(ctx, proc)
		if ctx.Err() != nil {
			return ""
		}
		if o.exited {
			return m.exited(proc)
		}

		if o.err == nil {
			failed = 0
			m.recordProbe(o, true)
			m.checkRequestCount(o.status)
			continue
		}

		failed++
		m.recordProbe(o, false)
		slog.Warn("Supervisor: probe failed",
			"process", m.spec.Name,
			"consecutive", failed,
			"threshold", m.policy.UnresponsiveThreshold,
			"error", o.err)

		if failed >= m.policy.UnresponsiveThreshold {
			reason := fmt.Sprintf("%d consecutive probe failures", failed)
			m.setState(models.StateDegraded, reason)
			m.terminate(proc)
			return reason
		}
	}
}

func (m *Monitor) exited(proc Process) string {
	reason := fmt.Sprintf("process exited: %v", proc.ExitErr())
	m.mu.Lock()
	m.h.Running = false
	m.h.LastExit = reason
	m.mu.Unlock()
	m.setState(models.StateFailed, reason)
	return reason
}

func (m *Monitor) terminate(proc Process) {
	if err := proc.Terminate(m.policy.TerminationGrace); err != nil {
		slog.Error("Supervisor: failed to terminate process", "process", m.spec.Name, "pid", proc.PID(), "error", err)
	}
	m.mu.Lock()
	m.h.Running = false
	m.h.LastExit = "terminated by supervisor"
	m.mu.Unlock()
}

func (m *Monitor) stop() {
	m.mu.RLock()
	proc := m.proc
	m.mu.RUnlock()
	if proc != nil {
		m.terminate(proc)
	}
	m.setState(models.StateStopped, "shutdown")
}

func (m *Monitor) attach(proc Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proc = proc
	m.warned = false
	m.h.PID = proc.PID()
	m.h.Running = true
	m.h.StartedAt = time.Now()
	m.h.ConsecutiveProbeFailures = 0
}

func (m *Monitor) recordProbe(o probeOutcome, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.h.LastProbeAt = now
	if ok {
		m.h.ConsecutiveProbeFailures = 0
		m.h.LastProbeError = ""
		m.h.LastHealthyAt = now
		m.h.LastStatus = o.status
		return
	}
	m.h.ConsecutiveProbeFailures++
	if o.err != nil {
		m.h.LastProbeError = o.err.Error()
	}
}

func (m *Monitor) checkRequestCount(st *models.WorkerStatus) {
	if st == nil || m.policy.RequestWarnAt == 0 {
		return
	}
	m.mu.Lock()
	warn := !m.warned && st.RequestCount >= m.policy.RequestWarnAt
	if warn {
		m.warned = true
	}
	m.mu.Unlock()
	if warn {
		slog.Warn("Supervisor: worker request count high",
			"process", m.spec.Name,
			"request_count", st.RequestCount,
			"warn_at", m.policy.RequestWarnAt,
			"last_reload", st.LastReloadCount)
	}
}

func (m *Monitor) setState(to models.ProcessState, reason string) {
	m.mu.Lock()
	from := m.h.State
	m.h.State = to
	m.h.Transitions = append(m.h.Transitions, models.StateTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if over := len(m.h.Transitions) - maxTransitions; over > 0 {
		m.h.Transitions = append(m.h.Transitions[:0], m.h.Transitions[over:]...)
	}
	restarts := m.h.Restarts
	m.mu.Unlock()

	slog.Info("Supervisor: state transition",
		"process", m.spec.Name,
		"from", from,
		"to", to,
		"restarts", restarts,
		"reason", reason)

	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Monitor) State() models.ProcessState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.h.State
}

func (m *Monitor) Restarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.h.Restarts
}

// Health returns a copy of the handle
func (m *Monitor) Health() models.ProcessHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.h
	h.Transitions = append([]models.StateTransition(nil), m.h.Transitions...)
	if m.h.LastStatus != nil {
		st := *m.h.LastStatus
		h.LastStatus = &st
	}
	if m.proc != nil {
		h.RecentOutput = m.proc.Output()
	}
	return h
}
