package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/livesync"
	"narrative-engine/internal/models"
	"narrative-engine/internal/objectives"
	"narrative-engine/internal/resources"
	"narrative-engine/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionEngine - машина прогресса истории и все операции над сессией.
type SessionEngine interface {
	CreateStory(ctx context.Context, req CreateStoryRequest) (*models.Story, error)
	GetStory(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error)
	ListStories(feed models.Feed) []*models.Story
	DeleteStory(ctx context.Context, storyID, accountID uuid.UUID) error

	CommitCharacter(ctx context.Context, storyID, accountID, characterID uuid.UUID) (*models.Story, error)
	SubmitAction(ctx context.Context, req ActionRequest) (*TurnResult, error)
	AcknowledgeChapter(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error)
	AcknowledgeRelationshipEvent(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error)
	Restart(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error)

	RecruitCharacter(ctx context.Context, storyID, accountID uuid.UUID, in CharacterInput) (*models.Story, error)
	RemoveCharacter(ctx context.Context, storyID, accountID, characterID uuid.UUID) (*models.Story, error)
	AllocateStatPoint(ctx context.Context, storyID, accountID, characterID uuid.UUID, stat models.StatName) (*models.Story, error)
	RequestSuggestions(ctx context.Context, storyID, accountID uuid.UUID) ([]string, error)

	JoinStory(ctx context.Context, storyID, accountID uuid.UUID, displayName string) (*models.Story, error)
	LeaveStory(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error)
	MakePublic(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error)
}

// StorySync is the part of the synchronization layer the engine writes through.
type StorySync interface {
	Load(ctx context.Context, id uuid.UUID) (*models.Story, error)
	List(feed models.Feed) []*models.Story
	Create(ctx context.Context, story *models.Story) (*models.Story, error)
	ApplyIfRevision(next *models.Story, expected int64) (*models.Story, *livesync.Pending, error)
	Delete(id uuid.UUID) *livesync.Pending
	MakePublic(ctx context.Context, id uuid.UUID) (*models.Story, error)
}

var _ StorySync = (*livesync.Layer)(nil)

type sessionEngine struct {
	sync       StorySync
	pools      resources.Manager
	objectives *objectives.Manager
	generator  interfaces.GenerationService
	assets     interfaces.AssetStore
	strategies map[bool]TurnStrategy // key: narrator mode
	locks      *utils.KeyedMutex
	cfg        Config
	now        func() time.Time
	logger     *zap.Logger
}

var _ SessionEngine = (*sessionEngine)(nil)

func NewSessionEngine(
	sync StorySync,
	pools resources.Manager,
	objectiveManager *objectives.Manager,
	generator interfaces.GenerationService,
	assets interfaces.AssetStore,
	cfg Config,
	logger *zap.Logger,
) SessionEngine {
	e := &sessionEngine{
		sync:       sync,
		pools:      pools,
		objectives: objectiveManager,
		generator:  generator,
		assets:     assets,
		locks:      utils.NewKeyedMutex(),
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.Named("SessionEngine"),
	}
	e.strategies = map[bool]TurnStrategy{
		false: &fullStrategy{e: e},
		true:  &reducedStrategy{e: e},
	}
	return e
}

// commit writes the story through the sync layer guarded by the revision it
// was loaded at, and waits for persistence. If the write is still queued when
// CommitTimeout runs out the outcome is unknown: ErrCommitPending is returned
// and callers must not compensate (refunds) as if the write had failed.
func (e *sessionEngine) commit(ctx context.Context, next *models.Story, expected int64) (*models.Story, error) {
	saved, pending, err := e.sync.ApplyIfRevision(next, expected)
	if err != nil {
		if errors.Is(err, models.ErrRevisionConflict) {
			return nil, fmt.Errorf("%w: %v", models.ErrConcurrentTurn, err)
		}
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()
	if err := pending.Wait(waitCtx); err != nil {
		if errors.Is(err, models.ErrRevisionConflict) {
			return nil, fmt.Errorf("%w: %v", models.ErrConcurrentTurn, err)
		}
		if waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
			e.logger.Warn("Commit still queued after timeout",
				zap.Stringer("storyID", next.ID),
				zap.Int64("revision", saved.Revision),
				zap.Duration("timeout", e.cfg.CommitTimeout),
			)
			return nil, fmt.Errorf("%w: story %s", models.ErrCommitPending, next.ID)
		}
		return nil, fmt.Errorf("commit story %s: %w", next.ID, err)
	}
	return saved, nil
}

// transition records a status change for metrics and logs.
func (e *sessionEngine) transition(story *models.Story, to models.StoryStatus) {
	from := story.Status
	story.Status = to
	if from != to {
		transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		e.logger.Info("Story status changed",
			zap.Stringer("storyID", story.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
}

// load fetches the story and checks that the account may see it.
func (e *sessionEngine) load(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	story, err := e.sync.Load(ctx, storyID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: story %s", models.ErrNotFound, storyID)
		}
		return nil, fmt.Errorf("load story %s: %w", storyID, err)
	}
	if !story.CanView(accountID) {
		// не раскрываем существование чужой приватной истории
		return nil, fmt.Errorf("%w: story %s", models.ErrNotFound, storyID)
	}
	return story, nil
}

func (e *sessionEngine) requireOwner(story *models.Story, accountID uuid.UUID) error {
	if story.OwnerID != accountID {
		return fmt.Errorf("%w: only the owner can do this", models.ErrForbidden)
	}
	return nil
}

// requirePlayer allows the owner of a solo story or any participant of a
// co-op story.
func (e *sessionEngine) requirePlayer(story *models.Story, accountID uuid.UUID) error {
	if story.IsMultiParticipant() {
		if story.Participant(accountID) < 0 {
			return fmt.Errorf("%w: not a participant", models.ErrForbidden)
		}
		return nil
	}
	return e.requireOwner(story, accountID)
}

// mutate runs fn on a clone of the story under the per-story lock and commits
// the result.
func (e *sessionEngine) mutate(ctx context.Context, storyID, accountID uuid.UUID, fn func(story *models.Story) error) (*models.Story, error) {
	unlock := e.locks.Lock(storyID)
	defer unlock()

	story, err := e.load(ctx, storyID, accountID)
	if err != nil {
		return nil, err
	}
	next := story.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	return e.commit(ctx, next, story.Revision)
}
