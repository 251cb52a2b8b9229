package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelState      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "safety_net", Name: "channel_state", Help: "Realtime channel state (0 disconnected, 1 connecting, 2 connected)"})
	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: "safety_net", Name: "channel_reconnects_total", Help: "Reconnect attempts after a peer-initiated drop"})
	EventsReceived    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "safety_net", Name: "events_received_total", Help: "Inbound realtime events"}, []string{"event"})
	EventsSent        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "safety_net", Name: "events_sent_total", Help: "Outbound realtime events"}, []string{"event", "result"})

	GeoAttemptsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "safety_net", Name: "geo_attempts_total", Help: "Position acquisition attempts by outcome"}, []string{"outcome"})
	LocationUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "safety_net", Name: "location_updates_total", Help: "Watch samples by outcome (sent, suppressed, failed)"}, []string{"outcome"})

	PresencePeers    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "safety_net", Name: "presence_peers", Help: "Peers in the current presence set"})
	UnreadIncrements = promauto.NewCounter(prometheus.CounterOpts{Namespace: "safety_net", Name: "unread_increments_total", Help: "Unread counter increments"})
	MarkReadTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "safety_net", Name: "mark_read_total", Help: "Mark-read calls by result"}, []string{"result"})
	AlertsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "safety_net", Name: "alerts_total", Help: "Emergency alerts by direction and outcome"}, []string{"direction", "outcome"})
	NoticesDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "safety_net", Name: "notices_dropped_total", Help: "Notices a sink failed to deliver"})

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "safety_net", Name: "api_requests_total", Help: "REST boundary calls"},
		[]string{"method", "route", "status"},
	)
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "safety_net",
			Name:      "api_request_duration_seconds",
			Help:      "REST boundary latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "safety_net", Name: "http_requests_total", Help: "Total control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "safety_net",
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
