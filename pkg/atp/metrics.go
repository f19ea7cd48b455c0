package atp

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and gauges a Context exposes for observability.
// The spec requires at minimum a counter for malformed/dropped packets;
// retransmissions, resets and live-connection counts are natural companions
// that every ATP deployment will want on a dashboard next to it.
type Metrics struct {
	MalformedPackets prometheus.Counter
	Retransmissions  prometheus.Counter
	Resets           prometheus.Counter
	ActiveConns      prometheus.Gauge
}

// NewMetrics builds a fresh, unregistered Metrics set labeled with the given
// Context name. Callers register it with whatever prometheus.Registerer they
// use; the core itself never touches a global registry so that multiple
// Contexts in one process don't collide on metric names.
func NewMetrics(contextName string) *Metrics {
	labels := prometheus.Labels{"context": contextName}
	return &Metrics{
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "atp",
			Name:        "malformed_packets_total",
			Help:        "Inbound datagrams rejected by the packet codec.",
			ConstLabels: labels,
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "atp",
			Name:        "retransmissions_total",
			Help:        "Outgoing packets re-sent after an RTO expiry.",
			ConstLabels: labels,
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "atp",
			Name:        "resets_total",
			Help:        "Connections that transitioned to RESET.",
			ConstLabels: labels,
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "atp",
			Name:        "active_connections",
			Help:        "Connections currently registered with the Context.",
			ConstLabels: labels,
		}),
	}
}

// Collectors returns every metric so a caller can register them in one call:
// registerer.MustRegister(metrics.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.MalformedPackets, m.Retransmissions, m.Resets, m.ActiveConns}
}
