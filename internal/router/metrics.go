package router

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	received         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	forwarded        prometheus.Counter
	localDeliveries  prometheus.Counter
	staleCallbacks   prometheus.Counter
	expiredCallbacks prometheus.Counter
	peers            prometheus.Gauge
	connections      *prometheus.GaugeVec
	pendingCallbacks prometheus.Gauge
}

func init() {
	prom.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "received",
		Help:      "number of routed inbound messages by channel class",
	}, []string{"kind"})
	prom.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "dropped",
		Help:      "number of inbound messages dropped by reason",
	}, []string{"reason"})
	prom.forwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "forwarded",
		Help:      "number of client messages forwarded to the owning process",
	})
	prom.localDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "local_deliveries",
		Help:      "number of client messages delivered without a bus hop",
	})
	prom.staleCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "stale_callback_replies",
		Help:      "number of replies for unknown or already resolved callbacks",
	})
	prom.expiredCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "expired_callbacks",
		Help:      "number of pending callbacks evicted after callbacks.timeout",
	})
	prom.peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "peers",
		Help:      "number of known peer processes",
	})
	prom.connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "connections",
		Help:      "number of connections in the connection table",
	}, []string{"variant"})
	prom.pendingCallbacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procmesh",
		Subsystem: "router",
		Name:      "pending_callbacks",
		Help:      "number of cross-process calls awaiting a reply",
	})
}

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.received)
	r.MustRegister(prom.dropped)
	r.MustRegister(prom.forwarded)
	r.MustRegister(prom.localDeliveries)
	r.MustRegister(prom.staleCallbacks)
	r.MustRegister(prom.expiredCallbacks)
	r.MustRegister(prom.peers)
	r.MustRegister(prom.connections)
	r.MustRegister(prom.pendingCallbacks)
}
