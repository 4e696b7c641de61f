package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cachedStories = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_sync_cached_stories",
		Help: "Stories currently held in the synchronization cache.",
	})
	persistWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_sync_persist_writes_total",
			Help: "Queued persistence operations by kind and result.",
		},
		[]string{"kind", "result"},
	)
	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_sync_snapshots_total",
			Help: "Live feed snapshots merged into the cache.",
		},
		[]string{"feed"},
	)
	staleRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_sync_stale_records_total",
		Help: "Incoming records dropped because the cache already held a newer revision.",
	})
	persistQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_sync_persist_queue_depth",
		Help: "Persistence operations waiting in the queue.",
	})
)
