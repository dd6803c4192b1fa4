package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts optimistic transition outcomes per entity kind.
type Metrics struct {
	committed  *prometheus.CounterVec
	rolledBack *prometheus.CounterVec
	rejected   *prometheus.CounterVec
}

// NewMetrics registers the transition counters on reg. A nil registerer
// leaves the counters unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edflow",
			Subsystem: "workflow",
			Name:      "transitions_committed_total",
			Help:      "Optimistic transitions confirmed by the server.",
		}, []string{"kind"}),
		rolledBack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edflow",
			Subsystem: "workflow",
			Name:      "transitions_rolled_back_total",
			Help:      "Optimistic transitions reverted after a persist failure.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edflow",
			Subsystem: "workflow",
			Name:      "transitions_rejected_total",
			Help:      "Transitions refused before any remote call.",
		}, []string{"kind", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.committed, m.rolledBack, m.rejected)
	}
	return m
}

func (m *Metrics) commit(kind string) {
	if m != nil {
		m.committed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) rollback(kind string) {
	if m != nil {
		m.rolledBack.WithLabelValues(kind).Inc()
	}
}

// Rejected counts a transition refused by validation or the guard.
func (m *Metrics) Rejected(kind, reason string) {
	if m != nil {
		m.rejected.WithLabelValues(kind, reason).Inc()
	}
}
