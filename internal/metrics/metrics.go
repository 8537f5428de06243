// Package metrics provides Prometheus instrumentation for the SafeChat
// relay and moderator services. It exposes gauges for connection counts,
// counters for message and moderation throughput, and histograms for
// pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safechat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of distinct connected users.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safechat_online_users",
		Help: "Current number of distinct connected users",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "delivered", "blocked", "dropped", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// ModerationFlags counts content flagged by the moderation pipeline,
	// labeled by stage ("keyword_match", "ml_model", "heuristic") and
	// content type ("text", "image", "audio", "video").
	ModerationFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_moderation_flags_total",
		Help: "Content flagged by the moderation pipeline",
	}, []string{"stage", "content_type"})

	// ModerationUnavailable counts pipeline stages that were skipped
	// because a collaborator was unreachable, labeled by stage.
	ModerationUnavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_moderation_unavailable_total",
		Help: "Moderation stages skipped due to collaborator failure",
	}, []string{"stage"})

	// ModerationLatency records end-to-end moderation pipeline latency
	// in seconds, labeled by content type.
	ModerationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safechat_moderation_latency_seconds",
		Help:    "Moderation pipeline latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"content_type"})

	// DeliveryFanout records how many connections each broadcast
	// reached.
	DeliveryFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safechat_delivery_fanout",
		Help:    "Connections reached per broadcast",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		ModerationFlags,
		ModerationUnavailable,
		ModerationLatency,
		DeliveryFanout,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
