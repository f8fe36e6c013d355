package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics aggregates the counters recorded by the ledger node for every
// attempted state transition.
type LedgerMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	events      prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credence",
				Subsystem: "ledger",
				Name:      "transitions_total",
				Help:      "State transitions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credence",
				Subsystem: "ledger",
				Name:      "rejections_total",
				Help:      "Rejected operations segmented by reason.",
			}, []string{"operation", "reason"}),
			events: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "credence",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Audit events emitted by the ledger.",
			}),
		}
		prometheus.MustRegister(ledgerRegistry.transitions, ledgerRegistry.rejections, ledgerRegistry.events)
	})
	return ledgerRegistry
}

// ObserveTransition records the outcome of one attempted state transition.
func (m *LedgerMetrics) ObserveTransition(operation string, err error, reason string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if reason != "" {
			m.rejections.WithLabelValues(operation, reason).Inc()
		}
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// ObserveEvent counts an emitted audit event.
func (m *LedgerMetrics) ObserveEvent() {
	if m == nil {
		return
	}
	m.events.Inc()
}
