// Package metrics exposes Prometheus collectors for the access-control and
// audit paths. All methods are nil-safe so components can run without
// metrics wired (tests, CLI commands).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the server registers.
type Metrics struct {
	// Authorization decisions by resource kind and outcome
	AuthzDecisions *prometheus.CounterVec

	// Authorization latency by resource kind
	AuthzLatency *prometheus.HistogramVec

	// Ownership cache traffic by operation and result
	CacheOps *prometheus.CounterVec

	// Audit entries appended, by action and outcome
	AuditEntries *prometheus.CounterVec

	// Audit sink append failures
	AuditSinkFailures prometheus.Counter

	// PHI cipher operations by op and result
	CryptoOps *prometheus.CounterVec

	// Coverage percentage from the most recent gap verification
	VerifyCoverage prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered on the
// default registry.
func New() *Metrics {
	return &Metrics{
		AuthzDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caredesk_authz_decisions_total",
			Help: "Authorization decisions by resource kind and outcome",
		}, []string{"kind", "outcome"}), // outcome: "allow", "deny", "invalid_id", "unauthenticated"

		AuthzLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caredesk_authz_duration_seconds",
			Help:    "Duration of authorization checks by resource kind",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"kind"}),

		CacheOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caredesk_ownership_cache_total",
			Help: "Ownership cache operations by op and result",
		}, []string{"op", "result"}), // op: "get", "put", "invalidate"; result: "hit", "miss", "ok", "error"

		AuditEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caredesk_audit_entries_total",
			Help: "Audit entries appended by action and outcome",
		}, []string{"action", "outcome"}),

		AuditSinkFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caredesk_audit_sink_failures_total",
			Help: "Audit entries that could not be appended to the sink",
		}),

		CryptoOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caredesk_phi_crypto_ops_total",
			Help: "PHI field cipher operations by op and result",
		}, []string{"op", "result"}), // op: "encrypt", "decrypt", "search_hash"

		VerifyCoverage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "caredesk_audit_verify_coverage_percent",
			Help: "Coverage percentage reported by the most recent audit gap verification",
		}),
	}
}

// RecordAuthzDecision counts one authorization decision.
func (m *Metrics) RecordAuthzDecision(kind, outcome string) {
	if m != nil {
		m.AuthzDecisions.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveAuthzLatency records how long an authorization check took.
func (m *Metrics) ObserveAuthzLatency(kind string, d time.Duration) {
	if m != nil {
		m.AuthzLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// RecordCacheOp counts one ownership cache operation.
func (m *Metrics) RecordCacheOp(op, result string) {
	if m != nil {
		m.CacheOps.WithLabelValues(op, result).Inc()
	}
}

// RecordAuditEntry counts one appended audit entry.
func (m *Metrics) RecordAuditEntry(action, outcome string) {
	if m != nil {
		m.AuditEntries.WithLabelValues(action, outcome).Inc()
	}
}

// RecordAuditSinkFailure counts one failed audit append.
func (m *Metrics) RecordAuditSinkFailure() {
	if m != nil {
		m.AuditSinkFailures.Inc()
	}
}

// RecordCryptoOp counts one PHI cipher operation.
func (m *Metrics) RecordCryptoOp(op, result string) {
	if m != nil {
		m.CryptoOps.WithLabelValues(op, result).Inc()
	}
}

// SetVerifyCoverage publishes the latest gap-verification coverage.
func (m *Metrics) SetVerifyCoverage(percent float64) {
	if m != nil {
		m.VerifyCoverage.Set(percent)
	}
}
