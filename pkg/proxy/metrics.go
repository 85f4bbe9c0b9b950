package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts proxied requests by route and cache outcome.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegate_requests_total",
			Help: "Total proxied requests by route and cache outcome",
		},
		[]string{"route", "cache"},
	)

	// requestDuration observes end-to-end latency per route.
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachegate_request_duration_seconds",
			Help:    "End-to-end request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// streamEvents counts events sent to clients, split by whether they
	// came from a live upstream or a cache replay.
	streamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegate_stream_events_total",
			Help: "Total stream events forwarded to clients by source",
		},
		[]string{"source"},
	)

	// upstreamErrors counts upstream calls that failed or broke
	// mid-stream.
	upstreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachegate_upstream_errors_total",
			Help: "Total upstream request failures",
		},
	)
)
