// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBAcquireTimeout bounds the wait for a pooled connection; 0 waits forever.
	DBAcquireTimeout time.Duration `env:"DB_ACQUIRE_TIMEOUT" envDefault:"10s"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"extended_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Job creations allowed per client IP per minute.
	CreateRatePerMinute int           `env:"CREATE_RATE_PER_MINUTE" envDefault:"60"`
	RateLimitEvictTTL   time.Duration `env:"RATE_LIMIT_EVICT_TTL"   envDefault:"15m"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	Workers          int           `env:"WORKERS"            envDefault:"0"`
	PollingInterval  time.Duration `env:"POLLING_INTERVAL"   envDefault:"5s"`
	StopPollInterval time.Duration `env:"STOP_POLL_INTERVAL" envDefault:"1s"`
	// SoundOffEvery is the number of idle cycles between liveness log lines; -1 disables.
	SoundOffEvery int `env:"SOUND_OFF_EVERY" envDefault:"100"`

	// ── Wake-up notifications ────────────────────────────────────────────────────
	// Empty RedisURL disables early wake-ups; workers rely on polling alone.
	RedisURL      string `env:"REDIS_URL"`
	WakeupChannel string `env:"WAKEUP_CHANNEL" envDefault:"jobq:wakeup"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
