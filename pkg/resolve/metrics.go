package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// resolutionsTotal counts credential resolutions by how they ended:
	// answered from the memo table, decided by a fresh trial race, or
	// failed with every candidate rejecting.
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegate_resolutions_total",
			Help: "Total credential resolutions by outcome",
		},
		[]string{"outcome"},
	)
)
