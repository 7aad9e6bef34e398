package netpool

import "github.com/prometheus/client_golang/prometheus"

type poolMetrics struct {
	decisions *prometheus.CounterVec
	closed    *prometheus.CounterVec
	conns     prometheus.Gauge
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xfer", Subsystem: "pool", Name: "decisions_total",
			Help: "Outcomes of connection acquisition.",
		}, []string{"outcome"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xfer", Subsystem: "pool", Name: "closed_total",
			Help: "Connections closed by the pool, by reason.",
		}, []string{"reason"}),
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xfer", Subsystem: "pool", Name: "connections",
			Help: "Connections currently known to the pool.",
		}),
	}
}

func (m *poolMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.decisions, m.closed, m.conns}
}
