// Package metrics provides Prometheus instrumentation for the Parley chat
// application. It exposes gauges for connection counts, counters for message
// and fan-out event throughput, and histograms for store query latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections on this server process.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesAppended counts messages written to the message log, labeled
	// by outcome: "ok", "rejected" (validation), or "error".
	MessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_appended_total",
		Help: "Total number of message append attempts",
	}, []string{"outcome"})

	// FanoutEvents counts change notifications dispatched to local
	// sessions, labeled by event type.
	FanoutEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_fanout_events_total",
		Help: "Total number of fan-out events delivered to local sessions",
	}, []string{"type"}) // type = "newMessage", "presenceChanged"

	// QueryLatency records message store query latency in seconds, labeled
	// by the pagination trigger that issued the query.
	QueryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_query_latency_seconds",
		Help:    "Message store query latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"trigger"}) // trigger = "initial", "new_message", "load_older"

	// WatchedRooms tracks the number of rooms this process holds store-feed
	// subscriptions for. It only ever grows (watches are never torn down).
	WatchedRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_watched_rooms",
		Help: "Number of rooms with active store change-feed subscriptions",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesAppended,
		FanoutEvents,
		QueryLatency,
		WatchedRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
