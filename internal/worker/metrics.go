package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobq_jobs_claimed_total",
		Help: "Jobs claimed from the queue, by job type.",
	}, []string{"job_type"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobq_jobs_finished_total",
		Help: "Claimed jobs by job type and outcome (completed, retry, exhausted).",
	}, []string{"job_type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobq_job_duration_seconds",
		Help:    "Handler execution time, by job type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	tickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobq_worker_tick_errors_total",
		Help: "Worker ticks aborted by a store error.",
	})

	workersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobq_workers_running",
		Help: "Worker goroutines currently running.",
	})
)
