package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryRecordStore - хранилище историй в памяти процесса. Используется в
// тестах и при локальном запуске без PostgreSQL.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.Story
	hub     *subscriptionHub
	now     func() time.Time
	logger  *zap.Logger
}

var _ interfaces.RecordStore = (*MemoryRecordStore)(nil)

func NewMemoryRecordStore(logger *zap.Logger) *MemoryRecordStore {
	log := logger.Named("MemoryRecordStore")
	return &MemoryRecordStore{
		records: make(map[uuid.UUID]*models.Story),
		hub:     newSubscriptionHub(0, log),
		now:     time.Now,
		logger:  log,
	}
}

func (s *MemoryRecordStore) Subscribe(ctx context.Context, feed models.Feed) (<-chan models.Snapshot, error) {
	return s.hub.subscribe(ctx, feed, s.queryFeed)
}

func (s *MemoryRecordStore) queryFeed(_ context.Context, feed models.Feed) ([]*models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Story, 0)
	for _, story := range s.records {
		if feed.Matches(story) {
			out = append(out, story.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryRecordStore) Create(_ context.Context, story *models.Story) error {
	s.mu.Lock()
	if _, exists := s.records[story.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: story %s already exists", models.ErrInvalidInput, story.ID)
	}
	stored := story.Clone()
	s.records[story.ID] = stored
	change := changeOf(stored, models.ChangeUpserted, s.now())
	s.mu.Unlock()

	s.hub.notify(change)
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id uuid.UUID) (*models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return story.Clone(), nil
}

func (s *MemoryRecordStore) SetMerge(_ context.Context, id uuid.UUID, fields map[string]json.RawMessage) error {
	return s.merge(id, fields, nil)
}

func (s *MemoryRecordStore) SetMergeIf(_ context.Context, id uuid.UUID, fields map[string]json.RawMessage, expected int64) error {
	return s.merge(id, fields, &expected)
}

// merge overlays the given top-level JSON fields on the stored document, the
// same way the JSONB store does.
func (s *MemoryRecordStore) merge(id uuid.UUID, fields map[string]json.RawMessage, expected *int64) error {
	s.mu.Lock()
	current, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if expected != nil && current.Revision != *expected {
		s.mu.Unlock()
		return fmt.Errorf("%w: stored %d, expected %d", models.ErrRevisionConflict, current.Revision, *expected)
	}

	merged, err := overlay(current, fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.records[id] = merged
	change := changeOf(merged, models.ChangeUpserted, s.now())
	s.mu.Unlock()

	s.hub.notify(change)
	return nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	story, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, id)
	change := changeOf(story, models.ChangeDeleted, s.now())
	s.mu.Unlock()

	s.hub.notify(change)
	return nil
}

func (s *MemoryRecordStore) MakePublic(_ context.Context, id uuid.UUID) (*models.Story, error) {
	s.mu.Lock()
	story, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if story.IsPublic() {
		s.mu.Unlock()
		return story.Clone(), nil
	}
	now := s.now()
	removed := changeOf(story, models.ChangeDeleted, now)

	published := story.Clone()
	published.Visibility = models.VisibilityPublic
	published.Revision++
	published.UpdatedAt = now.UTC()
	s.records[id] = published
	added := changeOf(published, models.ChangePublished, now)
	s.mu.Unlock()

	s.hub.notify(removed)
	s.hub.notify(added)
	return published.Clone(), nil
}

func overlay(current *models.Story, fields map[string]json.RawMessage) (*models.Story, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("marshal story %s: %w", current.ID, err)
	}
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode story %s: %w", current.ID, err)
	}
	for k, v := range fields {
		doc[k] = v
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal merged story %s: %w", current.ID, err)
	}
	return decodeStory(raw)
}

func changeOf(story *models.Story, kind models.ChangeKind, at time.Time) models.StoryChange {
	return models.StoryChange{
		StoryID:        story.ID,
		Kind:           kind,
		Revision:       story.Revision,
		OwnerID:        story.OwnerID,
		ParticipantIDs: story.ParticipantIDs(),
		Public:         story.IsPublic(),
		OccurredAt:     at.UTC(),
	}
}
