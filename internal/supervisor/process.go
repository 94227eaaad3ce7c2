package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ProcessSpec describes one managed child process
type ProcessSpec struct {
	Name      string   `yaml:"name"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`
	Dir       string   `yaml:"dir"`
	HealthURL string   `yaml:"health_url"` // empty: liveness only
}

// Process is a running child as seen by a Monitor
type Process interface {
	PID() int
	Done() <-chan struct{}
	// ExitErr is valid once Done is closed
	ExitErr() error
	// Terminate asks the process to stop, then kills it after grace
	Terminate(grace time.Duration) error
	Output() []string
}

// Launcher starts processes
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecLauncher runs processes with os/exec
type ExecLauncher struct {
	OutputLines int
}

func (l ExecLauncher) Launch(_ context.Context, spec ProcessSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("process %s has no command", spec.Name)
	}
	lines := l.OutputLines
	if lines <= 0 {
		lines = 50
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	out := newOutputRing(spec.Name, lines)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	p := &execProcess{cmd: cmd, out: out, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		out.flush()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	slog.Info("Supervisor: process started", "process", spec.Name, "pid", cmd.Process.Pid)
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	out  *outputRing
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Output() []string {
	return p.out.lines()
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("Supervisor: SIGTERM failed", "pid", p.PID(), "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("Supervisor: process ignored SIGTERM, killing", "pid", p.PID(), "grace", grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill pid %d: %w", p.PID(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pid %d did not exit after kill", p.PID())
	}
}

// outputRing keeps the last n lines of a child's combined output and
// forwards each line to the log.
type outputRing struct {
	name string
	max  int

	mu      sync.Mutex
	buf     []string
	partial []byte
}

func newOutputRing(name string, max int) *outputRing {
	return &outputRing{name: name, max: max}
}

func (o *outputRing) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.pushLocked(string(o.partial[:i]))
		o.partial = o.partial[i+1:]
	}
	return len(p), nil
}

func (o *outputRing) flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.partial) > 0 {
		o.pushLocked(string(o.partial))
		o.partial = nil
	}
}

func (o *outputRing) pushLocked(line string) {
	line = strings.TrimRight(line, "\r")
	slog.Info("Supervisor: child output", "process", o.name, "line", line)
	o.buf = append(o.buf, line)
	if over := len(o.buf) - o.max; over > 0 {
		o.buf = append(o.buf[:0], o.buf[over:]...)
	}
}

func (o *outputRing) lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.buf...)
}
