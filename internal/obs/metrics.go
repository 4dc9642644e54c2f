// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs submitted via the API",
	})
	JobsLeased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_leased_total",
		Help: "Total number of queue entries leased by a worker",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached status=completed",
	})
	JobsError = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_error_total",
		Help: "Total number of jobs that reached status=error",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of soft retries (processing -> pending)",
	})
	JobsSyncFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_sync_failed_total",
		Help: "Total number of jobs that reached status=sync_failed",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job execute-path durations (fetch+infer+upsert)",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of schedulable (unleased, non-expired) queue entries",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"collaborator"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"collaborator"})
	LeaseReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_reaped_total",
		Help: "Total number of expired leases recovered by the reaper",
	})
	BroadcastPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_publish_total",
		Help: "Total number of terminal-state broadcasts published",
	}, []string{"event_kind"})
	BroadcastPublishFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_publish_failed_total",
		Help: "Total number of broadcast publish attempts that failed after local retry",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsLeased, JobsCompleted, JobsError, JobsRetried, JobsSyncFailed,
		JobProcessingDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips,
		LeaseReaped, BroadcastPublished, BroadcastPublishFailed, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
