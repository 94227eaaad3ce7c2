package supervisor

import (
	"context"

	"edgeguard/internal/models"
)

// Prober checks whether a process is responsive
type Prober interface {
	Probe(ctx context.Context) (*models.WorkerStatus, error)
}

// ProbeFunc adapts a function to Prober
type ProbeFunc func(ctx context.Context) (*models.WorkerStatus, error)

func (f ProbeFunc) Probe(ctx context.Context) (*models.WorkerStatus, error) {
	return f(ctx)
}

// StatusClient is satisfied by worker.Client
type StatusClient interface {
	Status(ctx context.Context) (*models.WorkerStatus, error)
}

// StatusProber probes a worker through its GET /status endpoint
type StatusProber struct {
	Client StatusClient
}

func (p StatusProber) Probe(ctx context.Context) (*models.WorkerStatus, error) {
	return p.Client.Status(ctx)
}
