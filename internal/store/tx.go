package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Mode selects the access mode of a unit of work's transaction.
type Mode int

const (
	// ModeWrite opens a read-write transaction.
	ModeWrite Mode = iota
	// ModeRead opens a READ ONLY transaction; Postgres rejects any write.
	ModeRead
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

func (m Mode) txOptions() pgx.TxOptions {
	if m == ModeRead {
		return pgx.TxOptions{AccessMode: pgx.ReadOnly}
	}
	return pgx.TxOptions{AccessMode: pgx.ReadWrite}
}

var (
	// ErrPoolExhausted is returned when no pooled connection became available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrNoUnitOfWork is returned when a statement runs outside WithTx.
	ErrNoUnitOfWork = errors.New("no unit of work in context")
)

// Querier is the subset of pgx.Tx used by store statements.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ctxKey int

const uowKey ctxKey = iota

// unitOfWork is the transaction owned by one request or one worker tick.
type unitOfWork struct {
	id   uuid.UUID
	mode Mode
	tx   pgx.Tx
}

func fromContext(ctx context.Context) (*unitOfWork, bool) {
	uow, ok := ctx.Value(uowKey).(*unitOfWork)
	return uow, ok
}

// UnitOfWorkID returns the id of the unit of work carried by ctx.
func UnitOfWorkID(ctx context.Context) (uuid.UUID, bool) {
	uow, ok := fromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return uow.id, true
}

// Querier returns the active transaction of the unit of work in ctx.
func (s *Store) Querier(ctx context.Context) (Querier, error) {
	uow, ok := fromContext(ctx)
	if !ok {
		return nil, ErrNoUnitOfWork
	}
	return uow.tx, nil
}

// WithTx runs fn inside a unit of work. If ctx already carries one, fn runs
// on it directly regardless of mode, and the outer call decides commit or
// rollback. Otherwise a pooled connection is acquired and a transaction in
// the requested mode is opened; it is committed if fn returns nil and rolled
// back if fn returns an error or panics. The connection is released on every
// path.
func (s *Store) WithTx(ctx context.Context, mode Mode, fn func(ctx context.Context) error) error {
	if _, ok := fromContext(ctx); ok {
		return fn(ctx)
	}

	acquireCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.acquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
	}
	conn, err := s.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrPoolExhausted, s.acquireTimeout)
		}
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, mode.txOptions())
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", mode, err)
	}
	uow := &unitOfWork{id: uuid.New(), mode: mode, tx: tx}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // re-panicking below
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, uowKey, uow)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.WarnContext(ctx, "rollback failed", "uow_id", uow.id, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s tx: %w", mode, err)
	}
	return nil
}

// Savepoint runs fn inside a SAVEPOINT of the unit of work in ctx. An error
// from fn rolls back only the work done since the savepoint; the outer
// transaction stays usable.
func (s *Store) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	uow, ok := fromContext(ctx)
	if !ok {
		return ErrNoUnitOfWork
	}
	sp, err := uow.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	inner := &unitOfWork{id: uow.id, mode: uow.mode, tx: sp}

	defer func() {
		if p := recover(); p != nil {
			_ = sp.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // re-panicking below
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, uowKey, inner)); err != nil {
		if rbErr := sp.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}
