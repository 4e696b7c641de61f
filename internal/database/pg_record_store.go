package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	privateTable = "private_stories"
	publicTable  = "public_stories"
)

const (
	insertStoryQuery = `
INSERT INTO %s (id, owner_id, participant_ids, revision, data, created_at, updated_at)
VALUES ($1, $2, $3::uuid[], $4, $5, $6, $7)`

	getStoryQuery = `
SELECT data FROM private_stories WHERE id = $1
UNION ALL
SELECT data FROM public_stories WHERE id = $1
LIMIT 1`

	locateStoryQuery = `
SELECT 'private_stories' AS tbl, revision FROM private_stories WHERE id = $1
UNION ALL
SELECT 'public_stories' AS tbl, revision FROM public_stories WHERE id = $1
LIMIT 1`

	// data || patch заменяет только переданные поля верхнего уровня.
	mergeStoryQuery = `
UPDATE %s SET
    data = data || $2::jsonb,
    revision = COALESCE(($2::jsonb ->> 'revision')::bigint, revision),
    participant_ids = COALESCE($3::uuid[], participant_ids),
    updated_at = COALESCE(($2::jsonb ->> 'updated_at')::timestamptz, NOW())
WHERE id = $1`

	mergeStoryIfCondition = ` AND revision = $4`

	changeReturning = `
RETURNING owner_id::text AS owner_id, participant_ids::text[] AS participant_ids, revision`

	deleteStoryQuery = `DELETE FROM %s WHERE id = $1` + changeReturning

	selectPrivateForUpdateQuery = `SELECT data FROM private_stories WHERE id = $1 FOR UPDATE`

	publicFeedQuery = `
SELECT data FROM public_stories
ORDER BY updated_at DESC
LIMIT $1`

	privateFeedQuery = `
SELECT data FROM private_stories
WHERE owner_id = $1
ORDER BY updated_at DESC
LIMIT $2`

	participantFeedQuery = `
SELECT data FROM private_stories WHERE $1 = ANY(participant_ids)
UNION ALL
SELECT data FROM public_stories WHERE $1 = ANY(participant_ids)
LIMIT $2`
)

// dbtx - общий интерфейс пула и транзакции.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type storyRow struct {
	Data []byte `db:"data"`
}

type locateRow struct {
	Tbl      string `db:"tbl"`
	Revision int64  `db:"revision"`
}

type changeRow struct {
	OwnerID        string   `db:"owner_id"`
	ParticipantIDs []string `db:"participant_ids"`
	Revision       int64    `db:"revision"`
}

// PgRecordStore stores stories as JSONB documents in two tables, one per
// visibility, and serves live feeds by re-querying on change notifications.
type PgRecordStore struct {
	pool      *pgxpool.Pool
	publisher interfaces.ChangePublisher
	hub       *subscriptionHub
	feedLimit int
	logger    *zap.Logger
}

var _ interfaces.RecordStore = (*PgRecordStore)(nil)

// NewPgRecordStore creates the store. publisher may be nil in a single-process
// deployment; local subscribers are notified either way.
func NewPgRecordStore(pool *pgxpool.Pool, publisher interfaces.ChangePublisher, feedLimit int, resync time.Duration, logger *zap.Logger) *PgRecordStore {
	if feedLimit <= 0 {
		feedLimit = 200
	}
	log := logger.Named("PgRecordStore")
	return &PgRecordStore{
		pool:      pool,
		publisher: publisher,
		hub:       newSubscriptionHub(resync, log),
		feedLimit: feedLimit,
		logger:    log,
	}
}

// HandleChange wakes local subscribers for a change made by any process.
func (s *PgRecordStore) HandleChange(change models.StoryChange) {
	s.hub.notify(change)
}

func (s *PgRecordStore) Subscribe(ctx context.Context, feed models.Feed) (<-chan models.Snapshot, error) {
	return s.hub.subscribe(ctx, feed, s.queryFeed)
}

func (s *PgRecordStore) queryFeed(ctx context.Context, feed models.Feed) ([]*models.Story, error) {
	var rows []*storyRow
	var err error
	switch feed.Kind {
	case models.FeedPublic:
		err = pgxscan.Select(ctx, s.pool, &rows, publicFeedQuery, s.feedLimit)
	case models.FeedPrivate:
		err = pgxscan.Select(ctx, s.pool, &rows, privateFeedQuery, feed.AccountID, s.feedLimit)
	case models.FeedParticipant:
		err = pgxscan.Select(ctx, s.pool, &rows, participantFeedQuery, feed.AccountID, s.feedLimit)
	default:
		return nil, fmt.Errorf("%w: unknown feed kind %q", models.ErrInvalidInput, feed.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("query feed %s: %w", feed.Key(), err)
	}

	stories := make([]*models.Story, 0, len(rows))
	for _, row := range rows {
		story, err := decodeStory(row.Data)
		if err != nil {
			s.logger.Error("Skipping undecodable story in feed", zap.String("feed", feed.Key()), zap.Error(err))
			continue
		}
		stories = append(stories, story)
	}
	return stories, nil
}

func (s *PgRecordStore) Create(ctx context.Context, story *models.Story) error {
	log := s.logger.With(zap.Stringer("storyID", story.ID))

	data, err := json.Marshal(story)
	if err != nil {
		return fmt.Errorf("marshal story %s: %w", story.ID, err)
	}
	table := tableFor(story)
	query := fmt.Sprintf(insertStoryQuery, table)
	_, err = s.pool.Exec(ctx, query,
		story.ID, story.OwnerID, uuidStrings(story.ParticipantIDs()), story.Revision, data, story.CreatedAt, story.UpdatedAt)
	if err != nil {
		log.Error("Failed to insert story", zap.String("table", table), zap.Error(err))
		return fmt.Errorf("insert story %s: %w", story.ID, err)
	}
	log.Debug("Story inserted", zap.String("table", table))

	s.announce(ctx, models.StoryChange{
		StoryID:        story.ID,
		Kind:           models.ChangeUpserted,
		Revision:       story.Revision,
		OwnerID:        story.OwnerID,
		ParticipantIDs: story.ParticipantIDs(),
		Public:         story.IsPublic(),
		OccurredAt:     time.Now().UTC(),
	})
	return nil
}

func (s *PgRecordStore) Get(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	return s.get(ctx, s.pool, id)
}

func (s *PgRecordStore) get(ctx context.Context, q dbtx, id uuid.UUID) (*models.Story, error) {
	var row storyRow
	if err := pgxscan.Get(ctx, q, &row, getStoryQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("Failed to get story", zap.Stringer("storyID", id), zap.Error(err))
		return nil, fmt.Errorf("get story %s: %w", id, err)
	}
	return decodeStory(row.Data)
}

func (s *PgRecordStore) SetMerge(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage) error {
	return s.merge(ctx, id, fields, nil)
}

func (s *PgRecordStore) SetMergeIf(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage, expected int64) error {
	return s.merge(ctx, id, fields, &expected)
}

func (s *PgRecordStore) merge(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage, expected *int64) error {
	log := s.logger.With(zap.Stringer("storyID", id), zap.Int("fields", len(fields)))
	if len(fields) == 0 {
		return nil
	}

	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal patch for story %s: %w", id, err)
	}
	participants, err := participantsFromPatch(fields)
	if err != nil {
		return err
	}

	// 1. Find the table holding the record
	var loc locateRow
	if err := pgxscan.Get(ctx, s.pool, &loc, locateStoryQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("locate story %s: %w", id, err)
	}
	if expected != nil && loc.Revision != *expected {
		log.Info("Revision mismatch before merge", zap.Int64("stored", loc.Revision), zap.Int64("expected", *expected))
		return fmt.Errorf("%w: stored %d, expected %d", models.ErrRevisionConflict, loc.Revision, *expected)
	}

	// 2. Merge, guarded by revision when requested
	query := fmt.Sprintf(mergeStoryQuery, loc.Tbl)
	args := []any{id, patch, participants}
	if expected != nil {
		query += mergeStoryIfCondition
		args = append(args, *expected)
	}
	query += changeReturning

	var row changeRow
	if err := pgxscan.Get(ctx, s.pool, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if expected != nil {
				return fmt.Errorf("%w: story %s changed concurrently", models.ErrRevisionConflict, id)
			}
			// запись удалили или перенесли между запросами
			return models.ErrNotFound
		}
		log.Error("Failed to merge story fields", zap.Error(err))
		return fmt.Errorf("merge story %s: %w", id, err)
	}
	log.Debug("Story fields merged", zap.String("table", loc.Tbl), zap.Int64("revision", row.Revision))

	s.announce(ctx, row.toChange(id, models.ChangeUpserted, loc.Tbl == publicTable))
	return nil
}

func (s *PgRecordStore) Delete(ctx context.Context, id uuid.UUID) error {
	for _, table := range []string{privateTable, publicTable} {
		var row changeRow
		err := pgxscan.Get(ctx, s.pool, &row, fmt.Sprintf(deleteStoryQuery, table), id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			s.logger.Error("Failed to delete story", zap.Stringer("storyID", id), zap.String("table", table), zap.Error(err))
			return fmt.Errorf("delete story %s: %w", id, err)
		}
		s.logger.Info("Story deleted", zap.Stringer("storyID", id), zap.String("table", table))
		s.announce(ctx, row.toChange(id, models.ChangeDeleted, table == publicTable))
	}
	return nil
}

// MakePublic moves the record into the public table in one transaction.
// Publishing an already public story returns it unchanged.
func (s *PgRecordStore) MakePublic(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	log := s.logger.With(zap.Stringer("storyID", id))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin make public: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Error("Failed to rollback make public", zap.Error(rbErr))
		}
	}()

	var row storyRow
	if err := pgxscan.Get(ctx, tx, &row, selectPrivateForUpdateQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.get(ctx, tx, id)
			if getErr != nil {
				return nil, getErr
			}
			log.Info("Story is already public")
			return existing, nil
		}
		return nil, fmt.Errorf("lock private story %s: %w", id, err)
	}
	story, err := decodeStory(row.Data)
	if err != nil {
		return nil, err
	}
	oldParticipants := story.ParticipantIDs()

	story.Visibility = models.VisibilityPublic
	story.Revision++
	story.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(story)
	if err != nil {
		return nil, fmt.Errorf("marshal story %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(insertStoryQuery, publicTable),
		story.ID, story.OwnerID, uuidStrings(oldParticipants), story.Revision, data, story.CreatedAt, story.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert public story %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM private_stories WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete private story %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit make public %s: %w", id, err)
	}
	log.Info("Story made public", zap.Int64("revision", story.Revision))

	now := time.Now().UTC()
	// Приватная лента владельца должна увидеть уход записи.
	s.announce(ctx, models.StoryChange{
		StoryID: id, Kind: models.ChangeDeleted, Revision: story.Revision,
		OwnerID: story.OwnerID, ParticipantIDs: oldParticipants, OccurredAt: now,
	})
	s.announce(ctx, models.StoryChange{
		StoryID: id, Kind: models.ChangePublished, Revision: story.Revision,
		OwnerID: story.OwnerID, ParticipantIDs: oldParticipants, Public: true, OccurredAt: now,
	})
	return story, nil
}

// announce notifies local subscribers and other processes.
func (s *PgRecordStore) announce(ctx context.Context, change models.StoryChange) {
	s.hub.notify(change)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChange(context.WithoutCancel(ctx), change); err != nil {
		// Другие процессы догонят на периодической пересинхронизации.
		s.logger.Warn("Failed to publish story change", zap.Stringer("storyID", change.StoryID), zap.Error(err))
	}
}

func (r changeRow) toChange(id uuid.UUID, kind models.ChangeKind, public bool) models.StoryChange {
	owner, _ := uuid.Parse(r.OwnerID)
	participants := make([]uuid.UUID, 0, len(r.ParticipantIDs))
	for _, raw := range r.ParticipantIDs {
		if pid, err := uuid.Parse(raw); err == nil {
			participants = append(participants, pid)
		}
	}
	return models.StoryChange{
		StoryID:        id,
		Kind:           kind,
		Revision:       r.Revision,
		OwnerID:        owner,
		ParticipantIDs: participants,
		Public:         public,
		OccurredAt:     time.Now().UTC(),
	}
}

func tableFor(story *models.Story) string {
	if story.IsPublic() {
		return publicTable
	}
	return privateTable
}

func decodeStory(data []byte) (*models.Story, error) {
	var story models.Story
	if err := json.Unmarshal(data, &story); err != nil {
		return nil, fmt.Errorf("decode story: %w", err)
	}
	return &story, nil
}

// participantsFromPatch returns the participant ids to store when the patch
// replaces the participant list, or nil to keep the stored ones.
func participantsFromPatch(fields map[string]json.RawMessage) ([]string, error) {
	raw, ok := fields["participants"]
	if !ok {
		return nil, nil
	}
	var participants []models.Participant
	if err := json.Unmarshal(raw, &participants); err != nil {
		return nil, fmt.Errorf("%w: participants field: %v", models.ErrInvalidInput, err)
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID.String())
	}
	return ids, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
