// Package telemetry defines the Prometheus metrics exposed by the engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metabatch_tasks_total",
			Help: "Total number of tasks reaching a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	analyzeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metabatch_analyze_duration_seconds",
			Help:    "Histogram of end-to-end per-task analysis latencies.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	rateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metabatch_rate_limit_wait_seconds",
			Help:    "Histogram of time spent blocked in the rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metabatch_active_workers",
			Help: "Number of workers currently running.",
		},
	)

	quotaUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metabatch_quota_used",
			Help: "Enrichment quota consumed so far today.",
		},
	)

	checkpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metabatch_checkpoints_total",
			Help: "Total number of progress checkpoints written.",
		},
	)
)

// CountTask records one terminal task outcome.
func CountTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveAnalyzeDuration records one task's processing latency.
func ObserveAnalyzeDuration(d time.Duration) {
	analyzeDurationSeconds.Observe(d.Seconds())
}

// ObserveRateLimitWait records time a worker spent blocked on admission.
func ObserveRateLimitWait(d time.Duration) {
	rateLimitWaitSeconds.Observe(d.Seconds())
}

// SetActiveWorkers updates the worker-count gauge.
func SetActiveWorkers(n int) {
	activeWorkers.Set(float64(n))
}

// SetQuotaUsed updates the daily quota gauge.
func SetQuotaUsed(used int) {
	quotaUsed.Set(float64(used))
}

// CountCheckpoint records one durable progress save.
func CountCheckpoint() {
	checkpointsTotal.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
