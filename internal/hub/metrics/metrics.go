// Package metrics exposes the hub's self-observability surface via
// prometheus/client_golang (§ DOMAIN STACK).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the hub's Prometheus collectors.
type Metrics struct {
	OnlineAgents      prometheus.Gauge
	ProbeDuration     *prometheus.HistogramVec
	IntegrationRetries *prometheus.CounterVec
	AuditEntriesTotal prometheus.Counter
}

// New registers the hub's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OnlineAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonde",
			Subsystem: "hub",
			Name:      "online_agents",
			Help:      "Number of agents currently connected to the hub.",
		}),
		ProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sonde",
			Subsystem: "hub",
			Name:      "probe_duration_seconds",
			Help:      "Probe execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"probe", "status"}),
		IntegrationRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonde",
			Subsystem: "hub",
			Name:      "integration_retries_total",
			Help:      "Number of transient-failure retries performed by the integration executor.",
		}, []string{"pack"}),
		AuditEntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sonde",
			Subsystem: "hub",
			Name:      "audit_entries_total",
			Help:      "Number of audit entries appended since startup.",
		}),
	}
}

// ObserveProbe records one probe execution's duration and status.
func (m *Metrics) ObserveProbe(probeName, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(probeName, status).Observe(seconds)
}

// RecordRetry increments the retry counter for pack.
func (m *Metrics) RecordRetry(pack string) {
	if m == nil {
		return
	}
	m.IntegrationRetries.WithLabelValues(pack).Inc()
}

// SetOnlineAgents sets the live online-agent gauge.
func (m *Metrics) SetOnlineAgents(n int) {
	if m == nil {
		return
	}
	m.OnlineAgents.Set(float64(n))
}

// RecordAuditEntry increments the audit-entry counter.
func (m *Metrics) RecordAuditEntry() {
	if m == nil {
		return
	}
	m.AuditEntriesTotal.Inc()
}
