package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"narrative-engine/internal/models"
	"narrative-engine/internal/resources"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStory(owner uuid.UUID, v models.Visibility) *models.Story {
	return &models.Story{
		ID:         uuid.New(),
		OwnerID:    owner,
		Title:      "Lighthouse",
		Status:     models.StoryStatusIdle,
		Visibility: v,
		Revision:   1,
		UpdatedAt:  time.Now(),
	}
}

func nextSnapshot(t *testing.T, ch <-chan models.Snapshot) models.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "snapshot channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	return models.Snapshot{}
}

func TestMemoryRecordStore_MergeOverlaysFields(t *testing.T) {
	store := NewMemoryRecordStore(zap.NewNop())
	ctx := context.Background()
	story := testStory(uuid.New(), models.VisibilityPrivate)
	require.NoError(t, store.Create(ctx, story))

	fields := map[string]json.RawMessage{
		"location_name": json.RawMessage(`"Harbor"`),
		"revision":      json.RawMessage(`2`),
	}
	require.NoError(t, store.SetMergeIf(ctx, story.ID, fields, 1))

	got, err := store.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "Harbor", got.LocationName)
	assert.Equal(t, "Lighthouse", got.Title)
	assert.Equal(t, int64(2), got.Revision)

	err = store.SetMergeIf(ctx, story.ID, fields, 1)
	assert.ErrorIs(t, err, models.ErrRevisionConflict)

	err = store.SetMerge(ctx, uuid.New(), fields)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryRecordStore_SubscribeDeliversSnapshots(t *testing.T) {
	store := NewMemoryRecordStore(zap.NewNop())
	owner := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := store.Subscribe(ctx, models.PrivateFeed(owner))
	require.NoError(t, err)
	assert.Empty(t, nextSnapshot(t, feed).Stories)

	story := testStory(owner, models.VisibilityPrivate)
	require.NoError(t, store.Create(ctx, story))
	snap := nextSnapshot(t, feed)
	require.Len(t, snap.Stories, 1)
	assert.Equal(t, story.ID, snap.Stories[0].ID)

	// чужие истории не будят ленту
	require.NoError(t, store.Create(ctx, testStory(uuid.New(), models.VisibilityPrivate)))
	select {
	case s := <-feed:
		t.Fatalf("unexpected snapshot with %d stories", len(s.Stories))
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-feed
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryRecordStore_MakePublicMovesBetweenFeeds(t *testing.T) {
	store := NewMemoryRecordStore(zap.NewNop())
	owner := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	story := testStory(owner, models.VisibilityPrivate)
	require.NoError(t, store.Create(ctx, story))

	private, err := store.Subscribe(ctx, models.PrivateFeed(owner))
	require.NoError(t, err)
	public, err := store.Subscribe(ctx, models.PublicFeed())
	require.NoError(t, err)
	require.Len(t, nextSnapshot(t, private).Stories, 1)
	require.Empty(t, nextSnapshot(t, public).Stories)

	published, err := store.MakePublic(ctx, story.ID)
	require.NoError(t, err)
	assert.True(t, published.IsPublic())
	assert.Equal(t, int64(2), published.Revision)

	assert.Empty(t, nextSnapshot(t, private).Stories)
	assert.Len(t, nextSnapshot(t, public).Stories, 1)

	again, err := store.MakePublic(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, published.Revision, again.Revision)
}

func TestMemoryRecordStore_DeleteMissingIsNoop(t *testing.T) {
	store := NewMemoryRecordStore(zap.NewNop())
	assert.NoError(t, store.Delete(context.Background(), uuid.New()))
}

func TestMemoryAccountRepository_Update(t *testing.T) {
	repo := NewMemoryAccountRepository(resources.DefaultConfig().NewAccount)
	ctx := context.Background()
	id := uuid.New()

	acc, err := repo.Update(ctx, id, func(a *models.Account) error {
		a.Plan = models.PlanPlus
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlanPlus, acc.Plan)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, id, func(a *models.Account) error {
		a.Plan = models.PlanFree
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acc, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPlus, acc.Plan)
}
