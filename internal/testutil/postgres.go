// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/papito/postgres-job-queue/internal/store"
	"github.com/papito/postgres-job-queue/migrations"
)

// TestDB wraps a Store whose clock is a controllable Clock.
type TestDB struct {
	*store.Store
	Clock   *Clock
	ConnStr string
}

// DBOption tweaks the pool or store built by NewTestDB.
type DBOption func(*dbOptions)

type dbOptions struct {
	maxConns       int32
	acquireTimeout time.Duration
}

// WithMaxConns caps the test pool size.
func WithMaxConns(n int32) DBOption {
	return func(o *dbOptions) { o.maxConns = n }
}

// WithAcquireTimeout sets the store's connection acquire timeout.
func WithAcquireTimeout(d time.Duration) DBOption {
	return func(o *dbOptions) { o.acquireTimeout = d }
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by it. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T, opts ...DBOption) *TestDB {
	t.Helper()
	ctx := context.Background()

	o := dbOptions{maxConns: 20}
	for _, opt := range opts {
		opt(&o)
	}

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("jobq_test"),
		tcpostgres.WithUsername("jobq_test"),
		tcpostgres.WithPassword("testpassword"),
		// created_at defaults come from the server clock; keep it in UTC.
		testcontainers.WithEnv(map[string]string{"TZ": "UTC", "PGTZ": "UTC"}),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	MigrateUp(t, connStr)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse pool config: %v", err)
	}
	poolCfg.MaxConns = o.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	clock := NewClock(time.Now().UTC().Truncate(time.Second))
	return &TestDB{
		Store:   store.New(pool, store.WithClock(clock.Now), store.WithAcquireTimeout(o.acquireTimeout)),
		Clock:   clock,
		ConnStr: connStr,
	}
}

// MigrateUp applies the embedded migrations to the database at connStr.
func MigrateUp(t *testing.T, connStr string) {
	t.Helper()

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}

	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	// Simple query protocol lets postgres execute multi-statement migration
	// files natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		t.Fatalf("migration driver: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}
}
