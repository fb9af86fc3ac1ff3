// Package worker runs the goroutines that claim and execute queued jobs.
//
// Handlers are registered per job type on a [Router]. A [Pool] owns a fixed
// set of [Worker] goroutines; each sleeps for the poll interval, then claims
// at most one ripe job inside a single unit of work, dispatches it, and
// applies the retry policy. A stop request is honoured only between ticks.
package worker

import (
	"context"

	"github.com/papito/postgres-job-queue/internal/job"
)

// Handler is the function executed for each claimed job. A non-nil return
// value sends the job through the retry policy; nil marks it completed.
//
// ctx carries the worker's unit of work: store calls made with it join the
// tick's transaction, inside a savepoint that is rolled back if the handler
// fails.
type Handler func(ctx context.Context, j *job.Job) error
