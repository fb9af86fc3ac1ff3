// Command jobq is the Postgres job queue binary.
//
// Subcommands:
//
//	serve     HTTP API + embedded worker pool
//	worker    standalone worker pool only
//	migrate   run pending database migrations and exit
//	enqueue   persist one job and exit
//	list      print the queued jobs and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/papito/postgres-job-queue/internal/api"
	"github.com/papito/postgres-job-queue/internal/config"
	"github.com/papito/postgres-job-queue/internal/job"
	"github.com/papito/postgres-job-queue/internal/store"
	"github.com/papito/postgres-job-queue/internal/wakeup"
	"github.com/papito/postgres-job-queue/internal/worker"
	"github.com/papito/postgres-job-queue/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "jobq",
		Short: "jobq: durable Postgres-backed job queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		listCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := a.startPool(ctx, a.cfg.Workers)
	if err != nil {
		return err
	}

	apiSrv := api.NewServer(a.store, a.router, pool, a.notifier, a.cfg)
	defer apiSrv.Close()

	// Explicit timeouts prevent Slowloris attacks.
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout left to the handlers
		Addr:              a.cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", a.cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := a.shutdownContext()
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("drain workers: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("workers") {
				count = a.cfg.Workers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			pool, err := a.startPool(ctx, count)
			if err != nil {
				return err
			}
			<-ctx.Done()
			stop()

			shutdownCtx, cancel := a.shutdownContext()
			defer cancel()
			if err := pool.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("drain workers: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "workers", 0, "number of workers (defaults to $WORKERS)")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// app bundles what every database-backed subcommand needs.
type app struct {
	cfg      *config.Config
	db       *pgxpool.Pool
	store    *store.Store
	router   *worker.Router
	notifier wakeup.Notifier
	wake     *wakeup.Redis // nil unless REDIS_URL is set
	rdb      *redis.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	router := newRouter()
	if err := router.Validate(job.KnownTypes...); err != nil {
		return nil, err
	}

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		store:    store.New(db, store.WithAcquireTimeout(cfg.DBAcquireTimeout)),
		router:   router,
		notifier: wakeup.Nop{},
	}

	if cfg.RedisURL != "" {
		rdb, err := newRedis(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.wake = wakeup.NewRedis(rdb, cfg.WakeupChannel)
		a.notifier = a.wake
	}
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	a.db.Close()
}

func (a *app) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
}

// startPool starts count workers. Cancelling ctx requests a stop; callers
// still call Stop to wait for in-flight ticks.
func (a *app) startPool(ctx context.Context, count int) (*worker.Pool, error) {
	var opts []worker.PoolOption
	if a.wake != nil {
		ch, err := a.wake.Listen(ctx)
		if err != nil {
			return nil, fmt.Errorf("wake-up listener: %w", err)
		}
		opts = append(opts, worker.WithWakeup(ch))
	}
	pool := worker.NewPool(a.store, a.router, worker.PoolConfig{
		PollInterval:     a.cfg.PollingInterval,
		StopPollInterval: a.cfg.StopPollInterval,
		SoundOffEvery:    a.cfg.SoundOffEvery,
	}, opts...)
	pool.Start(ctx, count) //nolint:contextcheck // ctx is the process-lifetime context
	return pool, nil
}

// newRouter registers the bundled handlers.
func newRouter() *worker.Router {
	r := worker.NewRouter()
	r.Register(job.TypeOne, logHandler)
	r.Register(job.TypeTwo, logHandler)
	return r
}

func logHandler(ctx context.Context, j *job.Job) error {
	slog.InfoContext(ctx, "executing job", "job_id", j.ID, "job_type", j.Type, "arguments", j.Arguments)
	return nil
}

// newPool creates and validates a pgxpool with the configured protocol mode,
// statement timeout and pool sizing.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx
		// is cancelled first.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if DB_MAX_CONNS is close to the server's max_connections: every
	// worker and every request holds one connection for its whole unit of work.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}
	if cfg.Workers >= int(cfg.DBMaxConns) {
		slog.Warn("WORKERS leaves no pooled connection for the API",
			"workers", cfg.Workers,
			"db_max_conns", cfg.DBMaxConns,
		)
	}

	// Advisory schema version check: catches deployments where migrations
	// haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != migrations.Version {
		slog.Warn("schema version mismatch, run `jobq migrate`",
			"applied_version", schemaVersion,
			"expected_version", migrations.Version,
		)
	}

	return db, nil
}

func newRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
