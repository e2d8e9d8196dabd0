// Package telemetry provides application-level observability for the training
// orchestration service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on a side-channel HTTP port started by main.go:
//
//	GET http://<host>:<CML_TELEMETRY_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not part of the main Gin router, so it
// stays off the public ingress and out of any rate limiting.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Training attempt counters by service type and outcome
//   - Credential pool exhaustion counter
//   - Expiry sweep and job drain durations, job outcome counters
//   - Scratch-key cache hit/miss counter
//   - Database connection pool gauge (polled every 30 s)
//
// HTTP metrics use the Gin route template (c.FullPath()) rather than the raw
// URL to keep label cardinality bounded: project ids and scratch keys must
// never become label values.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Training metrics, recorded by the lifecycle manager.
//
// TrainingAttemptsTotal counts every training submission sent to a backend,
// labelled by service type and outcome ("ok", "capacity", "rate_limited",
// "credentials", "not_found", "unknown"). Outcome values match the pool
// package's failure kinds plus "ok".
//
// PoolExhaustedTotal counts create-path trainings that ran the entire shuffled
// credential pool without success. A rising rate for one service type means
// tenants need more credentials, not that the platform is broken.
var (
	TrainingAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "training_attempts_total",
			Help: "Total number of training submissions, by service type and outcome.",
		},
		[]string{"service", "outcome"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_pool_exhausted_total",
			Help: "Total number of trainings that exhausted the whole credential pool, by service type.",
		},
		[]string{"service"},
	)
)

// Maintenance metrics, recorded by the expiry sweep and the job drain.
//
// DrainDuration observes the wall-clock time of one complete Drain()
// invocation; the jobs package raises an operational alert when an
// observation exceeds scheduler.drain_alert_threshold.
var (
	ExpirySweepDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiry_sweep_deleted_total",
			Help: "Total number of expired classifiers torn down by the sweep, by service type.",
		},
		[]string{"service"},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_drain_duration_seconds",
			Help:    "Duration of a single pending-job drain invocation.",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_jobs_processed_total",
			Help: "Total number of pending cleanup jobs processed, by job type and outcome (ok, failed, poison).",
		},
		[]string{"type", "outcome"},
	)
)

// ScratchCacheTotal counts scratch-key cache lookups by result ("hit",
// "miss"). Only incremented when Redis caching is configured.
var ScratchCacheTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scratch_key_cache_total",
		Help: "Total number of scratch-key cache lookups, by result.",
	},
	[]string{"result"},
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool, sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds. The goroutine exits when the
// database becomes unreachable, which happens naturally at shutdown once
// db.Close() runs.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
