package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_turns_total",
			Help: "Submitted turns by strategy and outcome status.",
		},
		[]string{"strategy", "outcome"},
	)
	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrative_turn_duration_seconds",
			Help:    "Duration of a turn from submission to commit.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"strategy"},
	)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_status_transitions_total",
			Help: "Story status transitions.",
		},
		[]string{"from", "to"},
	)
)
