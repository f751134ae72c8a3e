package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "sessions_online", Help: "Live websocket sessions"})

	RequestsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_created_total", Help: "Service requests created"})
	RequestsAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_accepted_total", Help: "Service requests accepted by a driver"})
	RequestsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_completed_total", Help: "Service requests completed by their customer"})
	RequestsCanceled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_canceled_total", Help: "Service requests canceled by their customer"})
	AcceptConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race or targeted a missing request"})

	FanoutCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "fanout_candidates",
		Help:      "Candidate drivers per dispatched request",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	WSMessages      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "ws_messages_total", Help: "Inbound websocket messages"})
	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "outbound_dropped_total", Help: "Outbound events dropped due to a full session buffer"})

	LocationsConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "locations_consumed_total", Help: "Location records read from the pipeline"})
	MirrorRetries     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "mirror_retries_total", Help: "Retried writes while mirroring locations into Redis"})
	MirrorFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "mirror_failures_total", Help: "Location records dropped after exhausting retries"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
