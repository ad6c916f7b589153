// Package metrics exposes peer-rpc's operational counters as Prometheus
// collectors. Each node owns one Metrics instance registered on an
// injectable registry, so multiple nodes can coexist in one process
// (tests, embedded deployments) without collector name collisions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks both halves of a node.
type Metrics struct {
	CallsTotal      *prometheus.CounterVec // client calls issued, by peer
	CastsTotal      *prometheus.CounterVec // client casts issued, by peer
	RepliesRouted   prometheus.Counter     // replies delivered to a waiter
	RepliesDropped  prometheus.Counter     // late replies with no waiter
	TransportErrors prometheus.Counter     // fatal socket events, both halves
	CallsServed     prometheus.Counter     // invocations executed server-side
	CallsRejected   prometheus.Counter     // policy / rate-limit rejections
	ConnectedPeers  prometheus.Gauge       // live client actors
	ActiveAcceptors prometheus.Gauge       // live server acceptors
	InflightExecs   prometheus.Gauge       // executors spawned, not yet reported
	FrameBytesIn    prometheus.Counter     // frame payload bytes read, both halves
	FrameBytesOut   prometheus.Counter     // frame payload bytes written, both halves
}

// New creates the collectors and registers them on reg. Pass
// prometheus.NewRegistry() for an isolated node or the default registerer
// for a single-node process.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "calls_total",
			Help: "RPC calls issued by the client half.",
		}, []string{"peer"}),
		CastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "casts_total",
			Help: "Casts issued by the client half.",
		}, []string{"peer"}),
		RepliesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "replies_routed_total",
			Help: "Replies routed to their waiter by ref.",
		}),
		RepliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "replies_dropped_total",
			Help: "Late replies discarded because the waiter was gone.",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "transport_errors_total",
			Help: "Fatal socket events on either half.",
		}),
		CallsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "calls_served_total",
			Help: "Invocations executed by the server half.",
		}),
		CallsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "calls_rejected_total",
			Help: "Invocations rejected by policy or rate limit.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerrpc", Name: "connected_peers",
			Help: "Client actors currently connected.",
		}),
		ActiveAcceptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerrpc", Name: "active_acceptors",
			Help: "Server acceptors currently serving.",
		}),
		InflightExecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerrpc", Name: "inflight_executors",
			Help: "Executors spawned but not yet reported.",
		}),
		FrameBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "frame_bytes_in_total",
			Help: "Frame payload bytes read from data sockets.",
		}),
		FrameBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerrpc", Name: "frame_bytes_out_total",
			Help: "Frame payload bytes written to data sockets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CallsTotal, m.CastsTotal, m.RepliesRouted, m.RepliesDropped,
			m.TransportErrors, m.CallsServed, m.CallsRejected,
			m.ConnectedPeers, m.ActiveAcceptors, m.InflightExecs,
			m.FrameBytesIn, m.FrameBytesOut,
		)
	}
	return m
}

// Nop returns unregistered collectors, for callers that don't scrape.
func Nop() *Metrics {
	return New(nil)
}
