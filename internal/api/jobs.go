package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/papito/postgres-job-queue/internal/job"
	"github.com/papito/postgres-job-queue/internal/store"
	"github.com/papito/postgres-job-queue/internal/worker"
)

// registerJobRoutes wires the queue endpoints on the huma API.
//
//	GET  /jobs  queued jobs, worker states and the store clock
//	POST /jobs  enqueue one job
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List queued jobs",
		Description: "Returns every queued job, earliest ripe first, with the state of each worker in this process.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		Description:   "Persists a job. Enqueuing a job whose type and arguments match a queued job returns the queued job's id.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, createJobHandler(srv))
}

// ── Response types ────────────────────────────────────────────────────────────

// JobItem is the API representation of a queued job.
type JobItem struct {
	ID               string         `json:"id"`
	JobType          string         `json:"job_type"`
	Arguments        map[string]any `json:"arguments"`
	Tries            int            `json:"tries"`
	MaxRetries       int            `json:"max_retries"`
	BaseRetryMinutes int            `json:"base_retry_minutes"`
	RipeAt           *string        `json:"ripe_at,omitempty"` // RFC3339; absent means ripe immediately
}

func jobToItem(j *job.Job) JobItem {
	item := JobItem{
		ID:               j.ID.String(),
		JobType:          string(j.Type),
		Arguments:        j.Arguments,
		Tries:            j.Tries,
		MaxRetries:       j.MaxRetries,
		BaseRetryMinutes: j.BaseRetryMinutes,
	}
	if item.Arguments == nil {
		item.Arguments = map[string]any{}
	}
	if j.RipeAt != nil {
		s := j.RipeAt.UTC().Format(time.RFC3339)
		item.RipeAt = &s
	}
	return item
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// ListJobsInput narrows the listing.
type ListJobsInput struct {
	JobType []string `query:"job_type" doc:"Only jobs of these types"`
	Ripe    bool     `query:"ripe" doc:"Only jobs ripe now, per the store clock"`
	Limit   int      `query:"limit" minimum:"0" maximum:"1000" doc:"Maximum number of jobs; 0 returns all"`
}

// ListJobsOutput is the queue snapshot.
type ListJobsOutput struct {
	Body struct {
		Jobs    []JobItem             `json:"jobs"`
		Workers []worker.WorkerStatus `json:"workers"`
		Now     string                `json:"now"` // RFC3339, per the store clock
	}
}

func listJobsHandler(srv *Server) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		filter := store.Filter{RipeOnly: input.Ripe, Limit: uint64(input.Limit)}
		for _, t := range input.JobType {
			filter.Types = append(filter.Types, job.Type(t))
		}
		jobs, err := srv.store.Find(ctx, filter)
		if errors.Is(err, store.ErrPoolExhausted) {
			return nil, huma.Error503ServiceUnavailable("server busy, please retry")
		}
		if err != nil {
			slog.ErrorContext(ctx, "list jobs", "error", err)
			return nil, huma.Error500InternalServerError("internal error")
		}
		out := &ListJobsOutput{}
		out.Body.Jobs = make([]JobItem, 0, len(jobs))
		for _, j := range jobs {
			out.Body.Jobs = append(out.Body.Jobs, jobToItem(j))
		}
		out.Body.Workers = []worker.WorkerStatus{}
		if srv.pool != nil {
			out.Body.Workers = srv.pool.Workers()
		}
		out.Body.Now = srv.store.Now().UTC().Format(time.RFC3339)
		return out, nil
	}
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// CreateJobInput is the enqueue request.
type CreateJobInput struct {
	Body struct {
		JobType string `json:"job_type" minLength:"1" doc:"Job type tag; must have a registered handler"`
		// Raw so integers beyond 2^53 keep every digit until DecodeArguments.
		Arguments        json.RawMessage `json:"arguments,omitempty" doc:"Object of scalar arguments: integers, strings or booleans"`
		DelayMinutes     int             `json:"delay_minutes,omitempty" minimum:"0" doc:"Minutes until the job becomes ripe; 0 runs it as soon as possible"`
		MaxRetries       *int            `json:"max_retries,omitempty" minimum:"0" doc:"Retry ceiling (default 3)"`
		BaseRetryMinutes *int            `json:"base_retry_minutes,omitempty" minimum:"0" doc:"Backoff unit in minutes (default 20)"`
	}
}

// CreateJobOutput carries the stored job.
type CreateJobOutput struct {
	Body JobItem
}

func createJobHandler(srv *Server) func(context.Context, *CreateJobInput) (*CreateJobOutput, error) {
	return func(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
		in := input.Body
		t := job.Type(in.JobType)
		if !srv.router.Has(t) {
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("unknown job type %q", t))
		}

		args, err := job.DecodeArguments(in.Arguments)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}

		j := job.New(t, args)
		if in.MaxRetries != nil {
			j.MaxRetries = *in.MaxRetries
		}
		if in.BaseRetryMinutes != nil {
			j.BaseRetryMinutes = *in.BaseRetryMinutes
		}
		if in.DelayMinutes > 0 {
			if err := j.ScheduleIn(srv.store.Now(), time.Duration(in.DelayMinutes)*time.Minute); err != nil {
				return nil, huma.Error422UnprocessableEntity(err.Error())
			}
		}

		var saved *job.Job
		err = srv.store.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
			var err error
			saved, err = srv.store.Save(ctx, j)
			return err
		})
		if errors.Is(err, job.ErrInvalidArgument) {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		if errors.Is(err, store.ErrPoolExhausted) {
			return nil, huma.Error503ServiceUnavailable("server busy, please retry")
		}
		if err != nil {
			slog.ErrorContext(ctx, "create job", "job_type", t, "error", err)
			return nil, huma.Error500InternalServerError("internal error")
		}

		// The unit of work has committed; idle workers may pick the job up now.
		if err := srv.notifier.Notify(ctx, saved.Type); err != nil {
			slog.WarnContext(ctx, "wake-up notify failed", "job_type", saved.Type, "error", err)
		}
		return &CreateJobOutput{Body: jobToItem(saved)}, nil
	}
}
