package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"edgeguard/internal/models"
)

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitErr() error        { return errors.New("exit status 1") }
func (p *fakeProcess) Output() []string      { return []string{"booting"} }

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.terminated.Store(true)
	p.exit()
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	lifeFor time.Duration
}

func (l *fakeLauncher) Launch(context.Context, ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess(1000 + len(l.procs))
	l.procs = append(l.procs, p)
	if l.lifeFor > 0 {
		time.AfterFunc(l.lifeFor, p.exit)
	}
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func fastPolicy() Policy {
	return Policy{
		ProbeInterval:         5 * time.Millisecond,
		ProbeTimeout:          50 * time.Millisecond,
		StartupTimeout:        200 * time.Millisecond,
		StartupPoll:           5 * time.Millisecond,
		TerminationGrace:      10 * time.Millisecond,
		UnresponsiveThreshold: 3,
		MaxRestarts:           3,
	}
}

func okStatus() *models.WorkerStatus {
	return &models.WorkerStatus{Online: true, RequestCount: 1}
}

func states(h models.ProcessHealth) []models.ProcessState {
	var out []models.ProcessState
	for _, tr := range h.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestUnresponsiveWorkerIsRestartedOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	prober := ProbeFunc(func(context.Context) (*models.WorkerStatus, error) {
		n := calls.Add(1)
		if n >= 2 && n <= 4 {
			return nil, errors.New("timeout")
		}
		return okStatus(), nil
	})
	launcher := &fakeLauncher{}
	m := NewMonitor(ProcessSpec{Name: "worker"}, fastPolicy(), launcher, prober)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return launcher.launches() == 2 && m.State() == models.StateHealthy
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, m.Restarts())
	assert.True(t, launcher.proc(0).terminated.Load())

	cancel()
	require.NoError(t, <-done)

	h := m.Health()
	assert.Equal(t, []models.ProcessState{
		models.StateStarting,
		models.StateHealthy,
		models.StateDegraded,
		models.StateRestarting,
		models.StateHealthy,
		models.StateStopped,
	}, states(h))
	assert.Equal(t, 1, h.Restarts)
	assert.True(t, launcher.proc(1).terminated.Load())
}

func TestCrashLoopExhaustsBudget(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{lifeFor: 20 * time.Millisecond}
	prober := ProbeFunc(func(context.Context) (*models.WorkerStatus, error) { return okStatus(), nil })
	m := NewMonitor(ProcessSpec{Name: "worker"}, fastPolicy(), launcher, prober)

	var alerts []models.ProcessHealth
	m.OnExhausted(func(h models.ProcessHealth) { alerts = append(alerts, h) })

	err := m.Serve(context.Background())
	require.ErrorIs(t, err, suture.ErrDoNotRestart)

	assert.Equal(t, 4, launcher.launches())
	assert.Equal(t, 3, m.Restarts())
	assert.Equal(t, models.StateExhausted, m.State())
	require.Len(t, alerts, 1)
	assert.Equal(t, models.StateExhausted, alerts[0].State)

	// a second Serve never launches again
	require.ErrorIs(t, m.Serve(context.Background()), suture.ErrDoNotRestart)
	assert.Equal(t, 4, launcher.launches())
}

func TestUnresponsiveLoopExhaustsBudget(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	// each launch answers its first health check and nothing after
	var answered atomic.Int32
	prober := ProbeFunc(func(context.Context) (*models.WorkerStatus, error) {
		n := int32(launcher.launches())
		if answered.Load() < n {
			answered.Store(n)
			return okStatus(), nil
		}
		return nil, errors.New("timeout")
	})
	m := NewMonitor(ProcessSpec{Name: "worker"}, fastPolicy(), launcher, prober)

	var alerts atomic.Int32
	m.OnExhausted(func(models.ProcessHealth) { alerts.Add(1) })

	require.ErrorIs(t, m.Serve(context.Background()), suture.ErrDoNotRestart)

	assert.Equal(t, 4, launcher.launches())
	assert.Equal(t, 3, m.Restarts())
	assert.Equal(t, models.StateExhausted, m.State())
	assert.Equal(t, int32(1), alerts.Load())
	for i := 0; i < 4; i++ {
		assert.True(t, launcher.proc(i).terminated.Load(), "launch %d", i)
	}

	h := m.Health()
	assert.Equal(t, []models.ProcessState{
		models.StateStarting,
		models.StateHealthy, models.StateDegraded, models.StateRestarting,
		models.StateHealthy, models.StateDegraded, models.StateRestarting,
		models.StateHealthy, models.StateDegraded, models.StateRestarting,
		models.StateHealthy, models.StateDegraded,
		models.StateExhausted,
	}, states(h))
	assert.Contains(t, h.Transitions[len(h.Transitions)-1].Reason, "consecutive")

	require.ErrorIs(t, m.Serve(context.Background()), suture.ErrDoNotRestart)
	assert.Equal(t, 4, launcher.launches())
}

func TestExitWinsOverInflightProbe(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.ProbeTimeout = 5 * time.Second
	policy.MaxRestarts = 0

	inflight := make(chan struct{}, 1)
	var calls atomic.Int32
	prober := ProbeFunc(func(ctx context.Context) (*models.WorkerStatus, error) {
		if calls.Add(1) == 1 {
			return okStatus(), nil
		}
		select {
		case inflight <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	launcher := &fakeLauncher{}
	m := NewMonitor(ProcessSpec{Name: "worker"}, policy, launcher, prober)

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- m.Serve(context.Background()) }()

	select {
	case <-inflight:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never started")
	}
	launcher.proc(0).exit()

	select {
	case err := <-done:
		require.ErrorIs(t, err, suture.ErrDoNotRestart)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not observe the exit")
	}
	assert.Less(t, time.Since(start), policy.ProbeTimeout)

	h := m.Health()
	assert.Equal(t, 0, h.ConsecutiveProbeFailures)
	assert.Equal(t, []models.ProcessState{
		models.StateStarting,
		models.StateHealthy,
		models.StateFailed,
		models.StateExhausted,
	}, states(h))
	assert.Contains(t, h.Transitions[2].Reason, "exited")
}

func TestStartupTimeoutFails(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.StartupTimeout = 30 * time.Millisecond
	policy.MaxRestarts = 0
	prober := ProbeFunc(func(context.Context) (*models.WorkerStatus, error) {
		return nil, errors.New("connection refused")
	})
	launcher := &fakeLauncher{}
	m := NewMonitor(ProcessSpec{Name: "worker"}, policy, launcher, prober)

	require.ErrorIs(t, m.Serve(context.Background()), suture.ErrDoNotRestart)

	h := m.Health()
	assert.Equal(t, []models.ProcessState{models.StateStarting, models.StateFailed, models.StateExhausted}, states(h))
	assert.Contains(t, h.Transitions[1].Reason, "startup")
	assert.True(t, launcher.proc(0).terminated.Load())
	assert.Positive(t, h.ConsecutiveProbeFailures)
}

func TestLivenessOnlySupervision(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.MaxRestarts = 1
	launcher := &fakeLauncher{lifeFor: 10 * time.Millisecond}
	m := NewMonitor(ProcessSpec{Name: "capture"}, policy, launcher, nil)

	require.ErrorIs(t, m.Serve(context.Background()), suture.ErrDoNotRestart)
	assert.Equal(t, 2, launcher.launches())
	assert.Equal(t, []models.ProcessState{
		models.StateStarting,
		models.StateHealthy,
		models.StateFailed,
		models.StateRestarting,
		models.StateHealthy,
		models.StateFailed,
		models.StateExhausted,
	}, states(m.Health()))
}

type recordingNotifier struct {
	mu    sync.Mutex
	names []string
}

func (n *recordingNotifier) SendExhausted(_ context.Context, h models.ProcessHealth) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, h.Name)
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	summaries []models.HealthSummary
}

func (p *recordingPublisher) PublishSupervisorHealth(s models.HealthSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
}

func TestSupervisorSummaryAndHealthEndpoint(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.MaxRestarts = 0
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	sup := New([]ProcessSpec{{Name: "worker"}}, policy, Options{
		Launcher:  &fakeLauncher{lifeFor: 5 * time.Millisecond},
		Notifier:  notifier,
		Publisher: publisher,
	})

	h := sup.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.ErrorIs(t, sup.Monitors()[0].Serve(context.Background()), suture.ErrDoNotRestart)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var sum models.HealthSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.True(t, sum.Exhausted)
	assert.False(t, sum.Healthy)
	require.Len(t, sum.Processes, 1)
	assert.Equal(t, models.StateExhausted, sum.Processes[0].State)
	assert.Equal(t, []string{"booting"}, sum.Processes[0].RecentOutput)

	assert.Equal(t, []string{"worker"}, notifier.names)
	require.NotEmpty(t, publisher.summaries)
	assert.True(t, publisher.summaries[len(publisher.summaries)-1].Exhausted)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecLauncherCapturesOutputAndTerminates(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	t.Parallel()

	p, err := ExecLauncher{OutputLines: 10}.Launch(context.Background(), ProcessSpec{
		Name:    "sleeper",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo out; echo err 1>&2; exec sleep 30"},
	})
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	require.Eventually(t, func() bool { return len(p.Output()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"out", "err"}, p.Output())

	require.NoError(t, p.Terminate(time.Second))
	select {
	case <-p.Done():
	default:
		t.Fatal("process still running after Terminate")
	}
	assert.Error(t, p.ExitErr())
}

func TestOutputRingKeepsLastLines(t *testing.T) {
	t.Parallel()

	o := newOutputRing("x", 2)
	_, _ = o.Write([]byte("a\nb\nc"))
	assert.Equal(t, []string{"a", "b"}, o.lines())
	_, _ = o.Write([]byte("d\n"))
	assert.Equal(t, []string{"b", "cd"}, o.lines())
	_, _ = o.Write([]byte("tail"))
	o.flush()
	assert.Equal(t, []string{"cd", "tail"}, o.lines())
}
