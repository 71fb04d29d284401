// Package metrics provides Prometheus instrumentation for the realtime
// server. It exposes gauges for connections, rooms and conversation lanes,
// counters for event throughput and rejections, and a histogram for the
// durable send path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// HeartbeatEvictions counts connections closed for missing heartbeats.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_heartbeat_evictions_total",
		Help: "Total number of connections evicted by the heartbeat monitor",
	})

	// JoinedRooms tracks the number of rooms with at least one local member.
	JoinedRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_joined_rooms",
		Help: "Current number of rooms with local members",
	})

	// EventsTotal counts inbound client events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Total number of inbound client events",
	}, []string{"type"})

	// MessagesPersisted counts messages written to the store.
	MessagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_persisted_total",
		Help: "Total number of messages persisted",
	})

	// FanoutDeliveries counts frames written to local connections.
	FanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_fanout_deliveries_total",
		Help: "Total number of room event deliveries to local connections",
	})

	// RejectedTotal counts rejected events, labeled by error code.
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_rejected_total",
		Help: "Total number of rejected client events",
	}, []string{"reason"}) // reason = protocol error code

	// SendLatency records the time from message:send receipt to fan-out.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_send_latency_seconds",
		Help:    "Latency of persisting and fanning out a message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveLanes tracks the number of live per-conversation lanes.
	ActiveLanes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_lanes",
		Help: "Current number of conversation serialization lanes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		HeartbeatEvictions,
		JoinedRooms,
		EventsTotal,
		MessagesPersisted,
		FanoutDeliveries,
		RejectedTotal,
		SendLatency,
		ActiveLanes,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
