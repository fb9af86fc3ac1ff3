package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papito/postgres-job-queue/internal/job"
	"github.com/papito/postgres-job-queue/internal/store"
)

// State is the lifecycle position of a Worker.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Worker is one polling loop. It is created by a Pool; RunOnce may also be
// called directly to process a single tick.
type Worker struct {
	id            int
	store         *store.Store
	router        *Router
	interval      time.Duration
	soundOffEvery int
	wake          <-chan struct{}
	log           *slog.Logger

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWorker builds a stopped Worker. wake may be nil.
func NewWorker(id int, s *store.Store, r *Router, cfg PoolConfig, wake <-chan struct{}) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		id:            id,
		store:         s,
		router:        r,
		interval:      cfg.PollInterval,
		soundOffEvery: cfg.SoundOffEvery,
		wake:          wake,
		log:           slog.Default().With("worker_id", id),
		stop:          make(chan struct{}),
	}
	w.state.Store(int32(StateStopped))
	return w
}

// ID returns the worker's sequential id.
func (w *Worker) ID() int { return w.id }

// State returns the worker's current state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// RequestStop asks the loop to exit at its next safe point. It never
// interrupts a tick in progress.
func (w *Worker) RequestStop() {
	w.stopOnce.Do(func() {
		w.log.Info("telling worker to stop")
		close(w.stop)
	})
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run loops until a stop is requested or ctx is cancelled. Each iteration
// sleeps for the poll interval (cut short by a stop request or a wake-up),
// re-checks for a stop, and runs one tick. Ticks run on a context that
// ignores cancellation so a shutdown never aborts a transaction midway.
func (w *Worker) Run(ctx context.Context) {
	w.setState(StateIdle)
	w.log.Info("starting worker", "poll_interval", w.interval)

	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	tickCtx := context.WithoutCancel(ctx)

	cycles := 0
	for !w.stopRequested(ctx) {
		w.setState(StateIdle)

		cycles++
		if w.soundOffEvery > 0 && cycles >= w.soundOffEvery {
			w.log.Info("worker is still polling")
			cycles = 0
		}

		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
		case <-w.stop:
		case <-timer.C:
		case <-w.wake:
			w.log.Debug("woken early")
		}

		if w.stopRequested(ctx) {
			break
		}
		w.tick(tickCtx)
	}

	w.setState(StateStopping)
	w.log.Info("worker is done")
	w.setState(StateStopped)
}

// tick runs RunOnce and turns a panic outside the handler into a failed
// tick, so only a stop request ends the loop.
func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			tickErrors.Inc()
			w.log.Error("worker tick panicked", "panic", p, "stack", string(debug.Stack()))
			w.setState(StateIdle)
		}
	}()
	w.RunOnce(ctx)
}

// RunOnce runs one tick: inside a single write unit of work it claims at
// most one ripe job, dispatches it, and applies the retry policy. It returns
// the job it processed, with Tries and Completed reflecting the outcome, or
// nil when nothing was ripe or the unit of work failed and was rolled back.
// Every error is logged here; none escapes.
func (w *Worker) RunOnce(ctx context.Context) *job.Job {
	var processed *job.Job
	err := w.store.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		w.setState(StatePolling)
		log := w.log
		if id, ok := store.UnitOfWorkID(ctx); ok {
			log = log.With("uow_id", id)
		}

		j, err := w.store.Claim(ctx)
		if err != nil {
			return err
		}
		if j == nil {
			log.Debug("no ripe jobs")
			return nil
		}
		jobsClaimed.WithLabelValues(string(j.Type)).Inc()

		w.setState(StateExecuting)
		log = log.With("job_id", j.ID, "job_type", j.Type)
		log.Info("executing job", "tries", j.Tries)

		if err := w.execute(ctx, j); err != nil {
			if errors.Is(err, ErrUnrouted) {
				log.Error("route for job type not found", "error", err)
			} else {
				log.Warn("job did not succeed", "error", err)
			}
			if err := w.applyRetry(ctx, log, j); err != nil {
				return err
			}
		} else {
			j.MarkCompleted()
			jobsFinished.WithLabelValues(string(j.Type), "completed").Inc()
			log.Info("job succeeded")
		}
		processed = j
		return nil
	})
	if w.State() == StatePolling || w.State() == StateExecuting {
		w.setState(StateIdle)
	}
	if err != nil {
		tickErrors.Inc()
		w.log.Error("worker tick failed", "error", err)
		return nil
	}
	return processed
}

// execute dispatches j inside a savepoint so a failing handler's writes are
// discarded while the claim itself survives.
func (w *Worker) execute(ctx context.Context, j *job.Job) error {
	start := time.Now()
	defer func() {
		jobDuration.WithLabelValues(string(j.Type)).Observe(time.Since(start).Seconds())
	}()
	return w.store.Savepoint(ctx, func(ctx context.Context) error {
		return w.router.Dispatch(ctx, j)
	})
}

func (w *Worker) applyRetry(ctx context.Context, log *slog.Logger, j *job.Job) error {
	switch j.Fail(w.store.Now()) {
	case job.OutcomeRetry:
		log.Info("scheduling retry", "tries", j.Tries, "max_retries", j.MaxRetries, "ripe_at", j.RipeAt)
		if _, err := w.store.Save(ctx, j); err != nil {
			return fmt.Errorf("reschedule job %s: %w", j.ID, err)
		}
		jobsFinished.WithLabelValues(string(j.Type), job.OutcomeRetry.String()).Inc()
	case job.OutcomeExhausted:
		log.Warn("job exhausted its retries, dropping", "tries", j.Tries, "max_retries", j.MaxRetries)
		jobsFinished.WithLabelValues(string(j.Type), job.OutcomeExhausted.String()).Inc()
	}
	return nil
}
