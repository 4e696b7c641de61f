package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "story_changes_published_total",
		Help: "Story change notifications published, by result.",
	}, []string{"result"})

	changesConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "story_changes_consumed_total",
		Help: "Story change notifications consumed, by result.",
	}, []string{"result"})
)
