// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connections and online users, counters for relay and
// store throughput, and histograms for API latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agrichat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of identities in the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agrichat_online_users",
		Help: "Current number of user identities with a live connection",
	})

	// RelayEvents counts relay attempts by kind and outcome.
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrichat_relay_events_total",
		Help: "Relay events by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome = "delivered", "offline", "self", "write_failed"

	// MessagesCreated counts messages persisted by the store, by message type.
	MessagesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrichat_messages_created_total",
		Help: "Messages persisted by the message store",
	}, []string{"type"})

	// Uploads counts media uploads by outcome.
	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrichat_uploads_total",
		Help: "Media uploads by outcome",
	}, []string{"outcome"}) // outcome = "stored", "unsupported", "too_large", "error"

	// RequestLatency records REST request latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrichat_http_request_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"route", "code"})

	// RateLimited counts websocket events rejected by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrichat_rate_limited_total",
		Help: "Events rejected by the rate limiter",
	}, []string{"rule"})

	// MessagesFlagged counts moderator verdicts received by the chat server.
	MessagesFlagged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agrichat_messages_flagged_total",
		Help: "Messages flagged by the moderator, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		RelayEvents,
		MessagesCreated,
		Uploads,
		RequestLatency,
		RateLimited,
		MessagesFlagged,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
