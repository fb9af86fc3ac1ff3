// ABOUTME: HTTP server struct, constructor, and handler wiring for the job queue.
// ABOUTME: Exposes /healthz, /metrics and the huma JSON API under /api/v1.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/papito/postgres-job-queue/internal/config"
	"github.com/papito/postgres-job-queue/internal/store"
	"github.com/papito/postgres-job-queue/internal/wakeup"
	"github.com/papito/postgres-job-queue/internal/worker"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	router      *worker.Router
	pool        *worker.Pool // nil when no workers run in this process
	notifier    wakeup.Notifier
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server. pool may be nil; notifier defaults to a no-op.
func NewServer(s *store.Store, r *worker.Router, p *worker.Pool, n wakeup.Notifier, cfg *config.Config) *Server {
	if n == nil {
		n = wakeup.Nop{}
	}
	perMinute := cfg.CreateRatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL <= 0 {
		evictTTL = defaultEvictTTL
	}
	return &Server{
		store:       s,
		router:      r,
		pool:        p,
		notifier:    n,
		rateLimiter: newIPRateLimiter(rate.Limit(float64(perMinute)/60), perMinute, evictTTL),
	}
}

// Close stops the rate limiter's background cleanup.
func (srv *Server) Close() { srv.rateLimiter.Close() }

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.createRateLimit())
	humaConfig := huma.DefaultConfig("Postgres Job Queue API", "0.1.0")
	humaConfig.Info.Description = "Enqueue and inspect durable jobs"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// createRateLimit applies per-IP rate limiting to POST requests. chi's RealIP
// middleware must run first so X-Forwarded-For is honoured behind a proxy.
func (srv *Server) createRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !srv.rateLimiter.Allow(ip) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
