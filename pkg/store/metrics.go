package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups that returned an entry, by backend.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegate_cache_hits_total",
			Help: "Total cache lookups that found an entry",
		},
		[]string{"backend"},
	)

	// CacheMisses tracks lookups that found nothing, by backend.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegate_cache_misses_total",
			Help: "Total cache lookups that found no entry",
		},
		[]string{"backend"},
	)

	// StoreErrors tracks failed store operations.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegate_store_errors_total",
			Help: "Total store operation failures",
		},
		[]string{"backend", "operation"},
	)
)
