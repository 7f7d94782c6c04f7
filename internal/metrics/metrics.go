package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EntitlementMetrics manages Prometheus instrumentation for verification,
// reconciliation and quota decisions.
type EntitlementMetrics struct {
	verifications   *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	acknowledgement *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	quotaDecisions  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
}

var (
	instance *EntitlementMetrics
	once     sync.Once
)

// Get returns the singleton metrics instance, registered with the default registry.
func Get() *EntitlementMetrics {
	once.Do(func() {
		instance = newEntitlementMetrics()
		prometheus.MustRegister(
			instance.verifications,
			instance.cacheLookups,
			instance.acknowledgement,
			instance.notifications,
			instance.quotaDecisions,
			instance.transitions,
		)
	})
	return instance
}

func newEntitlementMetrics() *EntitlementMetrics {
	return &EntitlementMetrics{
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "purchase",
				Name:      "verifications_total",
				Help:      "Total purchase verifications by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "purchase",
				Name:      "verification_cache_total",
				Help:      "Total verification cache lookups by result",
			},
			[]string{"result"},
		),
		acknowledgement: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "purchase",
				Name:      "acknowledgements_total",
				Help:      "Total acknowledgement calls by outcome",
			},
			[]string{"outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "webhook",
				Name:      "notifications_total",
				Help:      "Total billing notifications by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "quota",
				Name:      "decisions_total",
				Help:      "Total generation quota decisions by reason",
			},
			[]string{"reason"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "state",
				Name:      "transitions_total",
				Help:      "Total observable entitlement transitions by source and target state",
			},
			[]string{"source", "to"},
		),
	}
}

func (m *EntitlementMetrics) RecordVerification(method, outcome string) {
	m.verifications.WithLabelValues(method, outcome).Inc()
}

func (m *EntitlementMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *EntitlementMetrics) RecordAcknowledgement(outcome string) {
	m.acknowledgement.WithLabelValues(outcome).Inc()
}

func (m *EntitlementMetrics) RecordNotification(notificationType, outcome string) {
	m.notifications.WithLabelValues(notificationType, outcome).Inc()
}

func (m *EntitlementMetrics) RecordQuotaDecision(reason string) {
	m.quotaDecisions.WithLabelValues(reason).Inc()
}

func (m *EntitlementMetrics) RecordTransition(source, to string) {
	m.transitions.WithLabelValues(source, to).Inc()
}
