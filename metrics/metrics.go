// Package metrics holds the Prometheus collectors for ledger operations.
// Collectors register with the default registry on package init and are
// served by the API at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger"

// ─── Payments ───────────────────────────────────────────────────────────────

// PaymentsCreated counts accepted payments by method and initial state.
var PaymentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "created_total",
	Help:      "Total payments accepted, by method and initial state.",
}, []string{"method", "state"})

// PaymentsRejected counts rejected payment requests by error kind.
var PaymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "rejected_total",
	Help:      "Total payment requests rejected, by error kind.",
}, []string{"kind"})

// Transitions counts applied state machine transitions.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "transitions_total",
	Help:      "Total payment state transitions, by event and outcome.",
}, []string{"event", "outcome"})

// BulkItems counts bulk batch items by outcome.
var BulkItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bulk",
	Name:      "items_total",
	Help:      "Total bulk payment items processed, by outcome.",
}, []string{"outcome"})

// ─── Integrity ──────────────────────────────────────────────────────────────

// IntegrityErrors counts detected projection mismatches.
var IntegrityErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "integrity",
	Name:      "errors_total",
	Help:      "Total stored projections found disagreeing with recomputed values.",
}, []string{"subject"})

// ProjectionsCorrected counts explicit recalculations that changed stored values.
var ProjectionsCorrected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "integrity",
	Name:      "projections_corrected_total",
	Help:      "Total recalculations that rewrote drifted projections.",
})

// ─── Customers ──────────────────────────────────────────────────────────────

// CustomerDeletes counts customer deletions by mode and outcome.
var CustomerDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "customers",
	Name:      "deletes_total",
	Help:      "Total customer deletions, by mode (soft, force) and outcome.",
}, []string{"mode", "outcome"})

// ─── Latency ────────────────────────────────────────────────────────────────

// OperationDuration tracks engine operation latency.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "engine",
	Name:      "operation_duration_seconds",
	Help:      "Engine operation latency in seconds.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"operation"})

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests, by method, route pattern and status.",
}, []string{"method", "route", "status"})

// ObserveSince records the time elapsed since start for operation.
// Intended for use with defer:
//
//	defer metrics.ObserveSince("create_payment", time.Now())
func ObserveSince(operation string, start time.Time) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
