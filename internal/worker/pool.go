package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/papito/postgres-job-queue/internal/store"
)

const (
	// defaultPollInterval is how long each worker sleeps between ticks.
	defaultPollInterval = 5 * time.Second

	// defaultStopPollInterval is how often Stop checks whether every worker
	// has exited.
	defaultStopPollInterval = 1 * time.Second

	// defaultSoundOffEvery is the number of idle cycles between "still
	// polling" log lines.
	defaultSoundOffEvery = 100
)

// PoolConfig holds worker tuning parameters (sourced from config.Config).
// Zero fields take the package defaults.
type PoolConfig struct {
	PollInterval     time.Duration
	StopPollInterval time.Duration
	SoundOffEvery    int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = defaultStopPollInterval
	}
	if c.SoundOffEvery == 0 {
		c.SoundOffEvery = defaultSoundOffEvery
	}
	return c
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWakeup makes idle workers start a tick as soon as a value arrives on
// ch instead of waiting out the poll interval. Each value wakes one worker.
func WithWakeup(ch <-chan struct{}) PoolOption {
	return func(p *Pool) { p.wake = ch }
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	ID    int    `json:"id"`
	State string `json:"state"`
}

// Pool supervises a fixed set of workers.
type Pool struct {
	store  *store.Store
	router *Router
	cfg    PoolConfig
	wake   <-chan struct{}

	mu      sync.Mutex
	workers []*Worker
}

// NewPool creates a Pool that claims from s and dispatches through r.
func NewPool(s *store.Store, r *Router, cfg PoolConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		store:  s,
		router: r,
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches count workers with ids 1..count, each in its own goroutine,
// and returns immediately. Cancelling ctx has the same effect as Stop's stop
// request; call Stop to wait for the drain. A count of zero or less leaves
// the pool idle.
func (p *Pool) Start(ctx context.Context, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) > 0 {
		slog.Warn("worker pool already started", "workers", len(p.workers))
		return
	}
	if count <= 0 {
		slog.Warn("no workers configured, no jobs will run")
		return
	}

	for i := 1; i <= count; i++ {
		w := NewWorker(i, p.store, p.router, p.cfg, p.wake)
		w.setState(StateIdle)
		p.workers = append(p.workers, w)
		workersRunning.Inc()
		go func() {
			defer workersRunning.Dec()
			w.Run(ctx)
		}()
	}
	slog.Info("worker pool started", "workers", count, "poll_interval", p.cfg.PollInterval,
		"job_types", p.router.Types())
}

// Stop asks every worker to stop, then polls until all of them report
// stopped. In-flight ticks always run to completion first. Stop returns
// ctx.Err() if ctx ends before the drain does, and is a no-op when no workers
// were started.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	if len(workers) == 0 {
		return nil
	}

	for _, w := range workers {
		w.RequestStop()
	}

	ticker := time.NewTicker(p.cfg.StopPollInterval)
	defer ticker.Stop()
	for !allStopped(workers) {
		slog.Info("waiting for all workers to stop")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	slog.Info("all workers have stopped")
	return nil
}

// Workers returns the status of every worker, ordered by id.
func (p *Pool) Workers() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStatus, len(p.workers))
	for i, w := range p.workers {
		out[i] = WorkerStatus{ID: w.ID(), State: w.State().String()}
	}
	return out
}

func allStopped(workers []*Worker) bool {
	for _, w := range workers {
		if w.State() != StateStopped {
			return false
		}
	}
	return true
}
