package resources

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_pool_operations_total",
			Help: "Resource pool operations by pool, operation and result.",
		},
		[]string{"pool", "operation", "result"},
	)
	creationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_story_creations_total",
			Help: "Story creation quota checks and recorded creations.",
		},
		[]string{"result"}, // allowed, blocked, recorded
	)
)
