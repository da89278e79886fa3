package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_messages_sent_total",
			Help: "Total messages accepted and stored",
		},
	)

	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_guard_rejections_total",
			Help: "Total sends denied by the guard",
		},
		[]string{"code"},
	)

	ReadReceipts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_read_receipts_total",
			Help: "Total messages flipped to read",
		},
	)

	// Feed metrics
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_feed_events_total",
			Help: "Total change-feed events dispatched",
		},
		[]string{"op"},
	)

	// Realtime metrics
	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_live_sessions",
			Help: "Currently connected realtime sessions",
		},
	)

	TypingFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_typing_frames_total",
			Help: "Total typing frames relayed",
		},
	)

	PresenceHeartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_presence_heartbeats_total",
			Help: "Total presence heartbeats received",
		},
	)
)
