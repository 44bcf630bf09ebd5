package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	received           *prometheus.CounterVec
	sent               *prometheus.CounterVec
	pendingDropped     *prometheus.CounterVec
	protocolViolations prometheus.Counter
	disconnects        prometheus.Counter
	loopTicks          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, log *zap.Logger) *metrics {
	m := &metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "dispatch",
			Name:      "messages_received_total",
			Help:      "Messages routed by the dispatcher, by kind.",
		}, []string{"kind"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "dispatch",
			Name:      "messages_sent_total",
			Help:      "Messages sent, by route (local or remote).",
		}, []string{"route"}),
		pendingDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "dispatch",
			Name:      "pending_dropped_total",
			Help:      "Buffered messages for unregistered ids that were dropped.",
		}, []string{"reason"}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "dispatch",
			Name:      "protocol_violations_total",
			Help:      "Inbound messages that broke a routing invariant.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "dispatch",
			Name:      "peer_disconnects_total",
			Help:      "Connections closed or reset by a peer.",
		}),
		loopTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "dispatch",
			Name:      "loop_ticks_total",
			Help:      "Idle dispatch loop iterations that ticked every queue.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.received, m.sent, m.pendingDropped, m.protocolViolations, m.disconnects, m.loopTicks} {
			if err := reg.Register(c); err != nil {
				log.Warn("Failed to register dispatcher metric", zap.Error(err))
			}
		}
	}

	return m
}
