package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the client's operational counters as Prometheus
// collectors. Collection is cheap enough to stay on even when no
// registerer is supplied; registration is what opts in to scraping.
type Metrics struct {
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Inflight        prometheus.Gauge
	Connects        prometheus.Counter
	ConnectFailures prometheus.Counter
	KeepAliveDrops  prometheus.Counter
}

// NewMetrics creates the client collectors and, when reg is non-nil,
// registers them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "packets_sent_total",
			Help:      "Control packets written to the broker, by packet type.",
		}, []string{"type"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "packets_received_total",
			Help:      "Control packets received from the broker, by packet type.",
		}, []string{"type"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the broker.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "bytes_received_total",
			Help:      "Bytes received from the broker.",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "inflight_requests",
			Help:      "QoS > 0 operations awaiting their acknowledgment.",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "connects_total",
			Help:      "Successful CONNECT/CONNACK exchanges.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "connect_failures_total",
			Help:      "Connect attempts that did not reach the connected state.",
		}),
		KeepAliveDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt",
			Subsystem: "client",
			Name:      "keepalive_drops_total",
			Help:      "Connections closed because a keep-alive ping went unanswered.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PacketsSent,
			m.PacketsReceived,
			m.BytesSent,
			m.BytesReceived,
			m.Inflight,
			m.Connects,
			m.ConnectFailures,
			m.KeepAliveDrops,
		)
	}

	return m
}
