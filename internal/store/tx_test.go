// ABOUTME: Integration tests for the unit-of-work transaction helpers in store/tx.go.
// ABOUTME: Verifies nested reuse, commit/rollback, read-only enforcement and pool exhaustion.
package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/papito/postgres-job-queue/internal/job"
	"github.com/papito/postgres-job-queue/internal/store"
	"github.com/papito/postgres-job-queue/internal/testutil"
)

func countJobs(t *testing.T, db *testutil.TestDB) int {
	t.Helper()
	n, err := db.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestWithTx_NestedCallsShareOneTransaction(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var outerID, innerID, readID uuid.UUID
	var outerPID, innerPID int
	err := db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		outerID, _ = store.UnitOfWorkID(ctx)
		q, err := db.Querier(ctx)
		if err != nil {
			return err
		}
		if err := q.QueryRow(ctx, "SELECT pg_backend_pid()").Scan(&outerPID); err != nil {
			return err
		}
		return db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
			innerID, _ = store.UnitOfWorkID(ctx)
			q, err := db.Querier(ctx)
			if err != nil {
				return err
			}
			if err := q.QueryRow(ctx, "SELECT pg_backend_pid()").Scan(&innerPID); err != nil {
				return err
			}
			return db.WithTx(ctx, store.ModeRead, func(ctx context.Context) error {
				readID, _ = store.UnitOfWorkID(ctx)
				return nil
			})
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if outerID == uuid.Nil || outerID != innerID || outerID != readID {
		t.Errorf("unit of work ids = %s/%s/%s, want one shared id", outerID, innerID, readID)
	}
	if outerPID != innerPID {
		t.Errorf("backend pid outer=%d inner=%d, want the same connection", outerPID, innerPID)
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		if _, err := db.Save(ctx, job.New(job.TypeOne, job.Arguments{"a": 1})); err != nil {
			return err
		}
		_, err := db.Save(ctx, job.New(job.TypeOne, job.Arguments{"a": 2}))
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if n := countJobs(t, db); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		if _, err := db.Save(ctx, job.New(job.TypeOne, job.Arguments{"a": 1})); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v, want boom", err)
	}
	if n := countJobs(t, db); n != 0 {
		t.Errorf("rows = %d, want 0 after rollback", n)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		_ = db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
			if _, err := db.Save(ctx, job.New(job.TypeOne, nil)); err != nil {
				return err
			}
			panic("handler exploded")
		})
	}()

	if n := countJobs(t, db); n != 0 {
		t.Errorf("rows = %d, want 0 after panic", n)
	}
}

func TestWithTx_ReadScopeRejectsWrites(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, store.ModeRead, func(ctx context.Context) error {
		// The nested write scope reuses the read-only transaction.
		_, err := db.Save(ctx, job.New(job.TypeOne, nil))
		return err
	})
	if err == nil {
		t.Fatal("write inside read scope succeeded, want error")
	}
	if n := countJobs(t, db); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestWithTx_ReadInsideWriteSeesUncommittedRows(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		if _, err := db.Save(ctx, job.New(job.TypeOne, nil)); err != nil {
			return err
		}
		jobs, err := db.List(ctx)
		if err != nil {
			return err
		}
		if len(jobs) != 1 {
			t.Errorf("List inside write scope = %d jobs, want 1", len(jobs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestQuerier_OutsideUnitOfWork(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	if _, err := db.Querier(context.Background()); !errors.Is(err, store.ErrNoUnitOfWork) {
		t.Errorf("Querier err = %v, want ErrNoUnitOfWork", err)
	}
	if _, ok := store.UnitOfWorkID(context.Background()); ok {
		t.Error("UnitOfWorkID reported a unit of work on a bare context")
	}
}

func TestWithTx_PoolExhausted(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, testutil.WithMaxConns(1), testutil.WithAcquireTimeout(200*time.Millisecond))
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- db.WithTx(ctx, store.ModeWrite, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := db.WithTx(ctx, store.ModeRead, func(context.Context) error { return nil })
	if !errors.Is(err, store.ErrPoolExhausted) {
		t.Errorf("second unit of work err = %v, want ErrPoolExhausted", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holding unit of work: %v", err)
	}

	// The connection went back to the pool.
	if err := db.WithTx(ctx, store.ModeRead, func(context.Context) error { return nil }); err != nil {
		t.Errorf("unit of work after release: %v", err)
	}
}

func TestSavepoint_RollsBackOnlyInnerWork(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		if _, err := db.Save(ctx, job.New(job.TypeOne, job.Arguments{"keep": true})); err != nil {
			return err
		}
		spErr := db.Savepoint(ctx, func(ctx context.Context) error {
			if _, err := db.Save(ctx, job.New(job.TypeOne, job.Arguments{"keep": false})); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(spErr, boom) {
			t.Errorf("Savepoint err = %v, want boom", spErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	jobs, err := db.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Arguments["keep"] != true {
		t.Errorf("jobs = %v, want only the job saved outside the savepoint", jobs)
	}
}

func TestSavepoint_RecoversFromFailedStatement(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		_ = db.Savepoint(ctx, func(ctx context.Context) error {
			q, err := db.Querier(ctx)
			if err != nil {
				return err
			}
			_, err = q.Exec(ctx, "SELECT * FROM no_such_table")
			return err
		})
		// The outer transaction is still usable after the aborted savepoint.
		_, err := db.Save(ctx, job.New(job.TypeTwo, nil))
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if n := countJobs(t, db); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}
