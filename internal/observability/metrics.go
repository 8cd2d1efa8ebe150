package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "transitions_total", Help: "Committed status transitions"},
		[]string{"from", "to"},
	)
	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "transitions_rejected_total", Help: "Rejected transition requests by reason"},
		[]string{"reason"},
	)
	TransitionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "driver_availability", Name: "transition_latency_seconds", Help: "Transactional write latency"},
	)
	CacheSyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "cache_sync_failures_total", Help: "Post-commit cache synchronization failures"},
	)
	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "publish_failures_total", Help: "Post-commit event publish failures"},
	)
	MatcherQueries = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "matcher_queries_total", Help: "Availability queries served"},
	)
	MatcherLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "driver_availability", Name: "matcher_latency_seconds", Help: "Availability query latency"},
	)
	DriversAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "driver_availability", Name: "drivers_available", Help: "Drivers currently marked available"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driver_availability",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
