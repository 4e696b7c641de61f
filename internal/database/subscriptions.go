package database

import (
	"context"
	"sync"
	"time"

	"narrative-engine/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var feedQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "record_store_feed_queries_total",
	Help: "Feed snapshot queries by feed kind and reason.",
}, []string{"kind", "reason"})

// feedQuery returns the full current contents of a feed.
type feedQuery func(ctx context.Context, feed models.Feed) ([]*models.Story, error)

type subscriber struct {
	feed models.Feed
	wake chan struct{}
}

// subscriptionHub turns change notifications into full feed snapshots: every
// matching notification triggers one re-query. Notifications arriving while a
// query runs are coalesced into one more query.
type subscriptionHub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int

	resync time.Duration
	logger *zap.Logger
}

func newSubscriptionHub(resync time.Duration, logger *zap.Logger) *subscriptionHub {
	return &subscriptionHub{
		subs:   make(map[int]*subscriber),
		resync: resync,
		logger: logger,
	}
}

func (h *subscriptionHub) subscribe(ctx context.Context, feed models.Feed, query feedQuery) (<-chan models.Snapshot, error) {
	// Регистрируемся до первого запроса, чтобы не потерять изменения между ними.
	sub := &subscriber{feed: feed, wake: make(chan struct{}, 1)}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	feedQueriesTotal.WithLabelValues(string(feed.Kind), "initial").Inc()
	stories, err := query(ctx, feed)
	if err != nil {
		h.remove(id)
		return nil, err
	}

	out := make(chan models.Snapshot, 1)
	go func() {
		defer close(out)
		defer h.remove(id)

		var tick <-chan time.Time
		if h.resync > 0 {
			t := time.NewTicker(h.resync)
			defer t.Stop()
			tick = t.C
		}

		snap := models.Snapshot{Feed: feed, Stories: stories, ObservedAt: time.Now()}
		for {
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}

			reason := "change"
			select {
			case <-sub.wake:
			case <-tick:
				reason = "resync"
			case <-ctx.Done():
				return
			}

			feedQueriesTotal.WithLabelValues(string(feed.Kind), reason).Inc()
			for {
				stories, err = query(ctx, feed)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("Feed re-query failed, waiting for next trigger", zap.String("feed", feed.Key()), zap.Error(err))
				select {
				case <-sub.wake:
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			snap = models.Snapshot{Feed: feed, Stories: stories, ObservedAt: time.Now()}
		}
	}()
	return out, nil
}

func (h *subscriptionHub) remove(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// notify wakes every subscriber whose feed the change touches.
func (h *subscriptionHub) notify(change models.StoryChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !sub.feed.MatchesChange(change) {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}
