// Package observability provides Prometheus metrics for the copilot engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// DISPATCH METRICS
// =============================================================================

var (
	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_dispatch_attempts_total",
			Help: "Backend request attempts, including retries",
		},
		[]string{"kind", "outcome"}, // outcome: success, retryable, terminal
	)

	dispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_dispatch_requests_total",
			Help: "Logical backend requests after retries",
		},
		[]string{"kind", "status"}, // status: success, failure
	)

	dispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot_dispatch_duration_seconds",
			Help:    "Logical backend request duration, including backoff",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 45, 60, 120},
		},
		[]string{"kind"},
	)
)

// =============================================================================
// STREAM METRICS
// =============================================================================

var (
	streamCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_stream_completions_total",
			Help: "Streamed replies by how they were delivered",
		},
		[]string{"mode"}, // mode: streamed, fallback
	)

	streamFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_stream_fallbacks_total",
			Help: "Streaming fallbacks to the one-shot route by reason",
		},
		[]string{"reason"},
	)
)

// =============================================================================
// MEMORY & TASK METRICS
// =============================================================================

var (
	memoryPersistErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_memory_persist_errors_total",
			Help: "Durable memory operations that failed and were swallowed",
		},
		[]string{"op"}, // op: read, write, delete
	)

	taskSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_task_sync_total",
			Help: "Task records created from returned actions",
		},
		[]string{"status"}, // status: created, failed
	)
)

// RecordDispatchAttempt counts one HTTP attempt.
func RecordDispatchAttempt(kind, outcome string) {
	dispatchAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDispatch records a finished logical request.
func RecordDispatch(kind, status string, d time.Duration) {
	dispatchRequestsTotal.WithLabelValues(kind, status).Inc()
	dispatchDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordStreamCompletion(mode string) {
	streamCompletionsTotal.WithLabelValues(mode).Inc()
}

func RecordStreamFallback(reason string) {
	streamFallbacksTotal.WithLabelValues(reason).Inc()
}

func RecordMemoryPersistError(op string) {
	memoryPersistErrorsTotal.WithLabelValues(op).Inc()
}

// RecordTaskSync adds the outcome counts of one task sync.
func RecordTaskSync(created, failed int) {
	if created > 0 {
		taskSyncTotal.WithLabelValues("created").Add(float64(created))
	}
	if failed > 0 {
		taskSyncTotal.WithLabelValues("failed").Add(float64(failed))
	}
}
