package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/papito/postgres-job-queue/internal/job"
)

// saveJobSQL inserts a job or, when a queued job with the same signature
// exists, touches it and returns its id. The no-op update is what makes
// RETURNING yield the existing row. A job re-persisted after a failed
// attempt keeps the id it was claimed with.
const saveJobSQL = `
INSERT INTO job (id, job_type, arguments, ripe_at, tries, max_retries, base_retry_minutes, unique_signature)
VALUES (COALESCE($8::uuid, gen_random_uuid()), $1, $2::jsonb, $3, $4, $5, $6, $7)
ON CONFLICT (unique_signature)
DO UPDATE SET job_type = EXCLUDED.job_type
RETURNING id`

// claimJobSQL deletes and returns one ripe job. SKIP LOCKED makes
// concurrent claimers pass over rows another claim holds instead of waiting,
// so no two callers ever get the same row. Order among ripe rows is left to
// Postgres.
const claimJobSQL = `
DELETE FROM job
 WHERE id = (
       SELECT id FROM job
        WHERE ripe_at IS NULL OR ripe_at <= $1
          FOR UPDATE
         SKIP LOCKED
        LIMIT 1
 )
RETURNING id, job_type, arguments, ripe_at, tries, max_retries, base_retry_minutes`

var jobColumns = []string{"id", "job_type", "arguments", "ripe_at", "tries", "max_retries", "base_retry_minutes"}

// Filter narrows Find. The zero value matches every queued job.
type Filter struct {
	Types    []job.Type // empty matches any type
	RipeOnly bool       // only jobs ripe at the store clock's now
	Limit    uint64     // 0 means no limit
}

// Save persists j and returns a copy carrying the stored id. Saving a job
// whose type and arguments match a queued job is a no-op that returns the
// existing job's id.
func (s *Store) Save(ctx context.Context, j *job.Job) (*job.Job, error) {
	saved := j.Clone()
	if saved.Arguments == nil {
		saved.Arguments = job.Arguments{}
	}
	if err := saved.Arguments.Validate(); err != nil {
		return nil, err
	}
	sig, err := saved.Signature()
	if err != nil {
		return nil, err
	}
	rawArgs, err := json.Marshal(saved.Arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	var id *uuid.UUID
	if j.ID != uuid.Nil {
		id = &j.ID
	}

	err = s.WithTx(ctx, ModeWrite, func(ctx context.Context) error {
		q, err := s.Querier(ctx)
		if err != nil {
			return err
		}
		return q.QueryRow(ctx, saveJobSQL,
			string(saved.Type),
			string(rawArgs),
			saved.RipeAt,
			saved.Tries,
			saved.MaxRetries,
			saved.BaseRetryMinutes,
			sig,
			id,
		).Scan(&saved.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	return saved, nil
}

// Claim atomically removes one ripe job from the queue and returns it.
// Returns (nil, nil) when nothing is ripe. The delete is the reservation:
// a caller that fails to finish the job must Save it again.
func (s *Store) Claim(ctx context.Context) (*job.Job, error) {
	var claimed *job.Job
	err := s.WithTx(ctx, ModeWrite, func(ctx context.Context) error {
		q, err := s.Querier(ctx)
		if err != nil {
			return err
		}
		claimed, err = scanJob(q.QueryRow(ctx, claimJobSQL, s.now()))
		if errors.Is(err, pgx.ErrNoRows) {
			claimed = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// List returns every queued job, earliest ripe first. Runs in a read-only
// unit of work unless ctx already carries one.
func (s *Store) List(ctx context.Context) ([]*job.Job, error) {
	return s.Find(ctx, Filter{})
}

// Find returns the queued jobs matching f, earliest ripe first.
func (s *Store) Find(ctx context.Context, f Filter) ([]*job.Job, error) {
	query := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select(jobColumns...).
		From("job").
		OrderBy("ripe_at ASC NULLS FIRST", "created_at ASC")
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		query = query.Where(sq.Eq{"job_type": types})
	}
	if f.RipeOnly {
		query = query.Where(sq.Or{sq.Eq{"ripe_at": nil}, sq.LtOrEq{"ripe_at": s.now()}})
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var jobs []*job.Job
	err = s.WithTx(ctx, ModeRead, func(ctx context.Context) error {
		q, err := s.Querier(ctx)
		if err != nil {
			return err
		}
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Count returns the number of queued jobs.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.WithTx(ctx, ModeRead, func(ctx context.Context) error {
		q, err := s.Querier(ctx)
		if err != nil {
			return err
		}
		return q.QueryRow(ctx, "SELECT count(*) FROM job").Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		id      uuid.UUID
		jobType string
		rawArgs []byte
		ripeAt  *time.Time
		j       job.Job
	)
	if err := row.Scan(&id, &jobType, &rawArgs, &ripeAt, &j.Tries, &j.MaxRetries, &j.BaseRetryMinutes); err != nil {
		return nil, err
	}
	args, err := job.DecodeArguments(rawArgs)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	j.ID = id
	j.Type = job.Type(jobType)
	j.Arguments = args
	j.RipeAt = ripeAt
	return &j, nil
}
