package handler

import (
	"context"
	"sync"
	"time"

	"narrative-engine/internal/models"

	"go.uber.org/zap"
)

// FeedSource is the part of the synchronization layer the transport needs.
type FeedSource interface {
	Watch(ctx context.Context, feed models.Feed) (func(), error)
	List(feed models.Feed) []*models.Story
	Changes() (<-chan models.ChangeEvent, func())
}

type heldFeed struct {
	release  func()
	lastUsed time.Time
}

// FeedKeeper держит подписки на ленты, к которым недавно обращались по HTTP,
// чтобы список отдавался из кэша. Неиспользуемые ленты освобождаются через idle.
type FeedKeeper struct {
	source FeedSource
	idle   time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*heldFeed
}

func NewFeedKeeper(source FeedSource, idle time.Duration, logger *zap.Logger) *FeedKeeper {
	return &FeedKeeper{
		source: source,
		idle:   idle,
		now:    time.Now,
		logger: logger.Named("FeedKeeper"),
		held:   make(map[string]*heldFeed),
	}
}

// Ensure starts watching the feed unless it is already held.
func (k *FeedKeeper) Ensure(ctx context.Context, feed models.Feed) error {
	key := feed.Key()
	k.mu.Lock()
	if h, ok := k.held[key]; ok {
		h.lastUsed = k.now()
		k.mu.Unlock()
		return nil
	}
	k.mu.Unlock()

	release, err := k.source.Watch(ctx, feed)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if h, ok := k.held[key]; ok {
		// параллельный Ensure успел раньше
		h.lastUsed = k.now()
		release()
		return nil
	}
	k.held[key] = &heldFeed{release: release, lastUsed: k.now()}
	return nil
}

// Run releases idle feeds until ctx is done, then releases everything.
func (k *FeedKeeper) Run(ctx context.Context) {
	interval := k.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.releaseAll()
			return
		case <-ticker.C:
			k.sweep()
		}
	}
}

func (k *FeedKeeper) sweep() {
	cutoff := k.now().Add(-k.idle)
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, h := range k.held {
		if h.lastUsed.Before(cutoff) {
			h.release()
			delete(k.held, key)
			k.logger.Debug("Released idle feed", zap.String("feed", key))
		}
	}
}

func (k *FeedKeeper) releaseAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, h := range k.held {
		h.release()
		delete(k.held, key)
	}
}
