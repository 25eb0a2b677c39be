package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ghostline",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// PolicyDecisionsTotal counts every decision the policy engine emits, by
// enforced action.
var PolicyDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ghostline",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Total number of policy decisions, by action.",
	},
	[]string{"action"},
)

// PolicyExceptionsTotal counts exception-flagged submissions that were
// found within quota and recorded against the exception ledger.
var PolicyExceptionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ghostline",
		Subsystem: "policy",
		Name:      "exceptions_total",
		Help:      "Total number of exception-flagged submissions recorded within quota.",
	},
)

// StoreEntries reports the current number of live entries in the ephemeral store.
var StoreEntries = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ghostline",
		Subsystem: "store",
		Name:      "entries",
		Help:      "Current number of entries held in the ephemeral store.",
	},
)

// StoreDeletionQueue reports the current depth of the secure-deletion queue.
var StoreDeletionQueue = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ghostline",
		Subsystem: "store",
		Name:      "deletion_queue_depth",
		Help:      "Current depth of the ephemeral store's secure-deletion queue.",
	},
)

// ScorerBufferSize reports the number of observations in the scorer's rolling buffer.
var ScorerBufferSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ghostline",
		Subsystem: "scorer",
		Name:      "buffer_size",
		Help:      "Current number of observations held in the anomaly scorer's rolling buffer.",
	},
)

// ScorerRetrainsTotal counts successful retrain swaps (single-model scorer
// or consensus ensemble — both report through the same counter since only
// one is active at a time, per SPEC_FULL's scorer-mode decision).
var ScorerRetrainsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ghostline",
		Subsystem: "scorer",
		Name:      "retrains_total",
		Help:      "Total number of successful model retrains.",
	},
)

// KeyRotationsTotal counts key bundle rotations.
var KeyRotationsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ghostline",
		Subsystem: "keymanager",
		Name:      "rotations_total",
		Help:      "Total number of key bundle rotations performed.",
	},
)

// AuditWriteFailuresTotal counts audit log write failures (swallowed, never
// block a decision; see spec.md §7).
var AuditWriteFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ghostline",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Total number of audit log write failures.",
	},
)

// All returns the ghostline-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PolicyDecisionsTotal,
		PolicyExceptionsTotal,
		StoreEntries,
		StoreDeletionQueue,
		ScorerBufferSize,
		ScorerRetrainsTotal,
		KeyRotationsTotal,
		AuditWriteFailuresTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metric, and ghostline's domain collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
