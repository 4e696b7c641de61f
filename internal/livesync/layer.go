// Package livesync keeps one coherent in-memory view of stories fed by several
// live subscriptions and local optimistic writes, and persists local writes
// in order as partial-field merges.
//
// Merge rule: a record replaces the cached one when its revision is greater
// than or equal to the cached revision (last observed wins, whole record).
// This is best-effort and not linearizable; turn commits add a revision
// compare-and-set on top.
package livesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 256
	defaultListenerSize = 64
	drainTimeout        = 5 * time.Second
)

type opKind string

const (
	opMerge      opKind = "merge"
	opDelete     opKind = "delete"
	opMakePublic opKind = "make_public"
)

type writeOp struct {
	kind     opKind
	id       uuid.UUID
	prev     *models.Story
	next     *models.Story
	expected *int64
	done     chan opResult
}

type opResult struct {
	story *models.Story
	err   error
}

type entry struct {
	story     *models.Story // optimistic view, may run ahead of the store
	persisted *models.Story // last record known to be in the store
	feeds     map[string]struct{}
	pending   int
}

type watch struct {
	refs   int
	cancel context.CancelFunc
}

// Pending is the handle of a queued write.
type Pending struct {
	done <-chan opResult
	mu   sync.Mutex
	got  bool
	res  opResult
}

// Wait blocks until the write is persisted or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	_, err := p.result(ctx)
	return err
}

func (p *Pending) result(ctx context.Context) (*models.Story, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.got {
		select {
		case res := <-p.done:
			p.res, p.got = res, true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.res.story, p.res.err
}

// Layer is the synchronization layer. Run must be running for writes to be
// persisted.
type Layer struct {
	store  interfaces.RecordStore
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	// enqueueMu keeps queue order equal to the order writes hit the cache.
	enqueueMu sync.Mutex
	queue     chan *writeOp

	watchMu sync.Mutex
	watches map[string]*watch

	listenersMu sync.Mutex
	listeners   map[int]chan models.ChangeEvent
	nextID      int
}

func NewLayer(store interfaces.RecordStore, logger *zap.Logger) *Layer {
	return &Layer{
		store:     store,
		logger:    logger.Named("SyncLayer"),
		now:       time.Now,
		entries:   make(map[uuid.UUID]*entry),
		queue:     make(chan *writeOp, defaultQueueSize),
		watches:   make(map[string]*watch),
		listeners: make(map[int]chan models.ChangeEvent),
	}
}

// --- reads ---

// Get returns a copy of the cached story. Never touches the store.
func (l *Layer) Get(id uuid.UUID) (*models.Story, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.story.Clone(), true
}

// Load returns the cached story or fetches it once from the store.
func (l *Layer) Load(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	if s, ok := l.Get(id); ok {
		return s, nil
	}
	story, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.mergeLocked(story, "", models.OriginRemote)
	l.mu.Unlock()
	s, _ := l.Get(id)
	if s == nil {
		return story, nil
	}
	return s, nil
}

// List returns copies of the cached stories that belong to the feed, most
// recently updated first.
func (l *Layer) List(feed models.Feed) []*models.Story {
	l.mu.RLock()
	out := make([]*models.Story, 0, len(l.entries))
	for _, e := range l.entries {
		if feed.Matches(e.story) {
			out = append(out, e.story.Clone())
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// --- live feeds ---

// Watch subscribes the cache to a feed. Calls for the same feed share one
// subscription; the returned stop func releases this caller's reference.
func (l *Layer) Watch(ctx context.Context, feed models.Feed) (func(), error) {
	key := feed.Key()
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if w, ok := l.watches[key]; ok {
		w.refs++
		return l.releaseFunc(key), nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	snapshots, err := l.store.Subscribe(subCtx, feed)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	// The first snapshot is merged before returning so List sees the feed.
	select {
	case snap, ok := <-snapshots:
		if ok {
			l.MergeSnapshot(snap)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
	l.watches[key] = &watch{refs: 1, cancel: cancel}
	l.logger.Info("Watching feed", zap.String("feed", key))

	go func() {
		for snap := range snapshots {
			l.MergeSnapshot(snap)
		}
		l.logger.Debug("Feed stream closed", zap.String("feed", key))
	}()
	return l.releaseFunc(key), nil
}

func (l *Layer) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.watchMu.Lock()
			w, ok := l.watches[key]
			if !ok {
				l.watchMu.Unlock()
				return
			}
			w.refs--
			if w.refs > 0 {
				l.watchMu.Unlock()
				return
			}
			delete(l.watches, key)
			l.watchMu.Unlock()

			w.cancel()
			l.leaveFeed(key)
			l.logger.Info("Stopped watching feed", zap.String("feed", key))
		})
	}
}

// MergeSnapshot merges one full-collection snapshot into the cache.
func (l *Layer) MergeSnapshot(snap models.Snapshot) {
	key := snap.Feed.Key()
	snapshotsTotal.WithLabelValues(string(snap.Feed.Kind)).Inc()

	l.mu.Lock()
	defer l.mu.Unlock()

	present := make(map[uuid.UUID]struct{}, len(snap.Stories))
	for _, s := range snap.Stories {
		if s == nil {
			continue
		}
		present[s.ID] = struct{}{}
		l.mergeLocked(s, key, models.OriginRemote)
	}

	for id, e := range l.entries {
		if _, inFeed := e.feeds[key]; !inFeed {
			continue
		}
		if _, ok := present[id]; ok {
			continue
		}
		delete(e.feeds, key)
		l.evictIfOrphanLocked(id, e)
	}
	cachedStories.Set(float64(len(l.entries)))
}

// mergeLocked applies the revision rule for one incoming record. feedKey may be
// empty for records fetched directly.
func (l *Layer) mergeLocked(incoming *models.Story, feedKey string, origin models.ChangeOrigin) {
	e, ok := l.entries[incoming.ID]
	if !ok {
		e = &entry{story: incoming.Clone(), persisted: incoming.Clone(), feeds: make(map[string]struct{})}
		if feedKey != "" {
			e.feeds[feedKey] = struct{}{}
		}
		l.entries[incoming.ID] = e
		l.emitLocked(models.ChangeEvent{StoryID: incoming.ID, Revision: incoming.Revision, Origin: origin, Story: e.story.Clone()})
		return
	}
	if feedKey != "" {
		e.feeds[feedKey] = struct{}{}
	}
	if e.persisted == nil || incoming.Revision >= e.persisted.Revision {
		e.persisted = incoming.Clone()
	}
	if incoming.Revision < e.story.Revision {
		staleRecordsTotal.Inc()
		return
	}
	if incoming.Revision == e.story.Revision && incoming.UpdatedAt.Equal(e.story.UpdatedAt) {
		// повторная доставка того же снимка
		return
	}
	e.story = incoming.Clone()
	l.emitLocked(models.ChangeEvent{StoryID: incoming.ID, Revision: incoming.Revision, Origin: origin, Story: e.story.Clone()})
}

func (l *Layer) leaveFeed(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if _, ok := e.feeds[key]; ok {
			delete(e.feeds, key)
			l.evictIfOrphanLocked(id, e)
		}
	}
	cachedStories.Set(float64(len(l.entries)))
}

func (l *Layer) evictIfOrphanLocked(id uuid.UUID, e *entry) {
	if len(e.feeds) > 0 || e.pending > 0 {
		return
	}
	delete(l.entries, id)
	l.emitLocked(models.ChangeEvent{StoryID: id, Revision: e.story.Revision, Deleted: true, Origin: models.OriginRemote})
}

// --- writes ---

// Create persists a new story and caches it. Creation is awaited: callers
// need to know it succeeded before counting it against a quota.
func (l *Layer) Create(ctx context.Context, story *models.Story) (*models.Story, error) {
	now := l.now()
	s := story.Clone()
	if s.Revision < 1 {
		s.Revision = 1
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	if err := l.store.Create(ctx, s); err != nil {
		persistWritesTotal.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("create story %s: %w", s.ID, err)
	}
	persistWritesTotal.WithLabelValues("create", "ok").Inc()

	l.mu.Lock()
	l.mergeLocked(s, "", models.OriginLocal)
	cachedStories.Set(float64(len(l.entries)))
	l.mu.Unlock()
	return s.Clone(), nil
}

// Apply replaces the cached story with next immediately and queues a partial
// merge of the changed fields. The revision is bumped by the layer.
func (l *Layer) Apply(next *models.Story) (*models.Story, *Pending, error) {
	return l.apply(next, nil)
}

// ApplyIfRevision is Apply guarded by the expected revision, both in the cache
// and in the store. On a conflict the cached record is rolled back and the
// pending write fails with models.ErrRevisionConflict.
func (l *Layer) ApplyIfRevision(next *models.Story, expected int64) (*models.Story, *Pending, error) {
	return l.apply(next, &expected)
}

func (l *Layer) apply(next *models.Story, expected *int64) (*models.Story, *Pending, error) {
	l.enqueueMu.Lock()
	defer l.enqueueMu.Unlock()

	l.mu.Lock()
	e, ok := l.entries[next.ID]
	if !ok {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: story %s is not cached", models.ErrNotFound, next.ID)
	}
	prev := e.story
	if expected != nil && prev.Revision != *expected {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: cached revision %d, expected %d", models.ErrRevisionConflict, prev.Revision, *expected)
	}
	staged := next.Clone()
	staged.Revision = prev.Revision + 1
	staged.UpdatedAt = l.now()
	e.story = staged
	e.pending++
	l.emitLocked(models.ChangeEvent{StoryID: staged.ID, Revision: staged.Revision, Origin: models.OriginLocal, Story: staged.Clone()})
	l.mu.Unlock()

	op := &writeOp{kind: opMerge, id: staged.ID, prev: prev, next: staged.Clone(), expected: expected, done: make(chan opResult, 1)}
	l.queue <- op
	persistQueueDepth.Set(float64(len(l.queue)))
	return staged.Clone(), &Pending{done: op.done}, nil
}

// Delete drops the story from the cache and queues its removal.
func (l *Layer) Delete(id uuid.UUID) *Pending {
	l.enqueueMu.Lock()
	defer l.enqueueMu.Unlock()

	l.mu.Lock()
	var prev *models.Story
	if e, ok := l.entries[id]; ok {
		prev = e.story
		delete(l.entries, id)
		l.emitLocked(models.ChangeEvent{StoryID: id, Revision: e.story.Revision, Deleted: true, Origin: models.OriginLocal})
	}
	cachedStories.Set(float64(len(l.entries)))
	l.mu.Unlock()

	op := &writeOp{kind: opDelete, id: id, prev: prev, done: make(chan opResult, 1)}
	l.queue <- op
	return &Pending{done: op.done}
}

// MakePublic moves the story into the public collection after every write
// queued before it has been persisted.
func (l *Layer) MakePublic(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	l.enqueueMu.Lock()
	op := &writeOp{kind: opMakePublic, id: id, done: make(chan opResult, 1)}
	l.queue <- op
	l.enqueueMu.Unlock()

	p := &Pending{done: op.done}
	return p.result(ctx)
}

// Run drains the persistence queue until ctx is done, then flushes what is
// left with a short deadline.
func (l *Layer) Run(ctx context.Context) {
	l.logger.Info("Persistence worker started")
	for {
		select {
		case op := <-l.queue:
			l.process(ctx, op)
		case <-ctx.Done():
			l.drain()
			l.logger.Info("Persistence worker stopped")
			return
		}
	}
}

func (l *Layer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case op := <-l.queue:
			l.process(ctx, op)
		default:
			return
		}
	}
}

func (l *Layer) process(ctx context.Context, op *writeOp) {
	persistQueueDepth.Set(float64(len(l.queue)))
	logFields := []zap.Field{zap.Stringer("storyID", op.id), zap.String("op", string(op.kind))}

	var res opResult
	switch op.kind {
	case opMerge:
		res.err = l.persistMerge(ctx, op)
		res.story = op.next
	case opDelete:
		res.err = l.store.Delete(ctx, op.id)
	case opMakePublic:
		res.story, res.err = l.store.MakePublic(ctx, op.id)
		if res.err == nil {
			l.mu.Lock()
			if e, ok := l.entries[op.id]; ok {
				// запись переехала в другую коллекцию, старые ленты больше не про неё
				e.feeds = make(map[string]struct{})
			}
			l.mergeLocked(res.story, "", models.OriginLocal)
			l.mu.Unlock()
		}
	}

	if res.err != nil {
		persistWritesTotal.WithLabelValues(string(op.kind), "error").Inc()
		l.logger.Error("Persistence write failed", append(logFields, zap.Error(res.err))...)
	} else {
		persistWritesTotal.WithLabelValues(string(op.kind), "ok").Inc()
		l.logger.Debug("Persistence write done", logFields...)
	}
	op.done <- res
}

func (l *Layer) persistMerge(ctx context.Context, op *writeOp) error {
	defer l.settle(op.id)

	fields, err := Diff(op.prev, op.next)
	if err != nil {
		l.reload(ctx, op.id)
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if op.expected != nil {
		err = l.store.SetMergeIf(ctx, op.id, fields, *op.expected)
	} else {
		err = l.store.SetMerge(ctx, op.id, fields)
	}
	if err != nil {
		l.reload(ctx, op.id)
		return fmt.Errorf("persist story %s: %w", op.id, err)
	}

	if l.markPersisted(op.next) {
		// кэш откатился ниже этой записи после чужой ошибки, берём то, что реально в хранилище
		l.reload(ctx, op.id)
	}
	return nil
}

// markPersisted records a successful write. It reports whether the cached
// record is behind the one just written.
func (l *Layer) markPersisted(written *models.Story) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[written.ID]
	if !ok {
		return false
	}
	if e.persisted == nil || written.Revision >= e.persisted.Revision {
		e.persisted = written.Clone()
	}
	return e.story.Revision < written.Revision
}

// reload replaces the cached record with the store's copy after a failed
// write, whatever its revision. Writes queued behind the failed one were staged
// on top of a record that never reached the store, so the revision rule of
// mergeLocked cannot be used here. When the store is unreachable the last
// persisted copy is used.
func (l *Layer) reload(ctx context.Context, id uuid.UUID) {
	story, err := l.store.Get(ctx, id)
	if err != nil {
		l.logger.Warn("Failed to reload story after failed write, using last persisted copy", zap.Stringer("storyID", id), zap.Error(err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return
	}
	if story != nil {
		e.persisted = story.Clone()
	}
	if e.persisted == nil {
		return
	}
	if e.story.Revision == e.persisted.Revision && e.story.UpdatedAt.Equal(e.persisted.UpdatedAt) {
		return
	}
	rolledBack := e.story.Revision
	e.story = e.persisted.Clone()
	l.emitLocked(models.ChangeEvent{StoryID: id, Revision: e.story.Revision, Origin: models.OriginLocal, Story: e.story.Clone()})
	l.logger.Warn("Optimistic write rolled back",
		zap.Stringer("storyID", id),
		zap.Int64("fromRevision", rolledBack),
		zap.Int64("toRevision", e.story.Revision),
	)
}

func (l *Layer) settle(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok && e.pending > 0 {
		e.pending--
	}
}

// --- change fan-out ---

// Changes registers a listener for cache changes. Slow listeners miss events
// rather than block the cache.
func (l *Layer) Changes() (<-chan models.ChangeEvent, func()) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan models.ChangeEvent, defaultListenerSize)
	l.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.listenersMu.Lock()
			delete(l.listeners, id)
			close(ch)
			l.listenersMu.Unlock()
		})
	}
}

func (l *Layer) emitLocked(ev models.ChangeEvent) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	for id, ch := range l.listeners {
		select {
		case ch <- ev:
		default:
			l.logger.Warn("Change listener is slow, event dropped", zap.Int("listener", id), zap.Stringer("storyID", ev.StoryID))
		}
	}
}
