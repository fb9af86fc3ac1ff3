// Package store provides the data access layer for the job table. All
// statements run inside a unit of work opened by [Store.WithTx]; a nested
// call on the same context reuses the outer transaction, so one request or
// one worker tick always holds exactly one pooled connection.
package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for the queue.
type Store struct {
	pool           *pgxpool.Pool
	now            func() time.Time
	acquireTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used to decide ripeness and to compute
// retry times. Tests use it to move simulated time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAcquireTimeout bounds how long a unit of work waits for a pooled
// connection before failing with ErrPoolExhausted. Zero waits for as long as
// the caller's context allows.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Store) { s.acquireTimeout = d }
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool: pool,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pgxpool, for health checks and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }
