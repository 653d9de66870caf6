package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the skillhost runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheMisses        *prometheus.CounterVec
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	gcDeleted          prometheus.Counter
	gcFailures         prometheus.Counter
}

// NewMetrics creates a Metrics collector registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skillhost_module_cache_misses_total",
			Help: "Compiled modules not found in the in-process cache tier.",
		}, []string{"tenant"}),
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skillhost_invocations_total",
			Help: "Completed skill invocations.",
		}, []string{"language", "status"}),
		invocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillhost_invocation_duration_seconds",
			Help:    "Skill invocation duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"language"}),
		gcDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "skillhost_gc_deleted_artifacts_total",
			Help: "Stale durable-store entries deleted by the garbage collector.",
		}),
		gcFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "skillhost_gc_tenant_failures_total",
			Help: "Tenants the garbage collector failed to process.",
		}),
	}
}

// RecordCacheMiss records an in-process cache miss for a tenant.
func (m *Metrics) RecordCacheMiss(tenantID string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(tenantID).Inc()
}

// RecordInvocation records a completed skill invocation.
func (m *Metrics) RecordInvocation(language, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(language, status).Inc()
	m.invocationDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordGCDeleted records durable-store entries deleted in a sweep.
func (m *Metrics) RecordGCDeleted(n int) {
	if m == nil {
		return
	}
	m.gcDeleted.Add(float64(n))
}

// RecordGCFailure records one failed tenant sweep.
func (m *Metrics) RecordGCFailure() {
	if m == nil {
		return
	}
	m.gcFailures.Inc()
}
