package integrity

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts verification outcomes and anchoring attempts.
type Metrics struct {
	verifications *prometheus.CounterVec
	anchors       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edflow",
			Subsystem: "integrity",
			Name:      "verifications_total",
			Help:      "Three-way hash verifications by outcome.",
		}, []string{"status"}),
		anchors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edflow",
			Subsystem: "integrity",
			Name:      "anchors_total",
			Help:      "Ledger anchoring attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.verifications, m.anchors)
	}
	return m
}

func (m *Metrics) verified(s Status) {
	if m != nil {
		m.verifications.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) anchored(outcome string) {
	if m != nil {
		m.anchors.WithLabelValues(outcome).Inc()
	}
}
