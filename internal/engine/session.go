package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"narrative-engine/internal/economy"
	"narrative-engine/internal/models"
	"narrative-engine/internal/objectives"
	"narrative-engine/internal/rotation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateStory checks the monthly quota, persists the story and only then
// counts the creation.
func (e *sessionEngine) CreateStory(ctx context.Context, req CreateStoryRequest) (*models.Story, error) {
	logFields := []zap.Field{zap.Stringer("accountID", req.AccountID), zap.String("title", req.Title)}
	e.logger.Debug("CreateStory called", logFields...)

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrInvalidInput)
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}
	if !req.Visibility.Valid() {
		return nil, fmt.Errorf("%w: visibility %q", models.ErrInvalidInput, req.Visibility)
	}
	timeOfDay := models.TimeMorning
	if req.TimeOfDay != "" {
		tod, ok := models.ParseTimeOfDay(string(req.TimeOfDay))
		if !ok {
			return nil, fmt.Errorf("%w: time of day %q", models.ErrInvalidInput, req.TimeOfDay)
		}
		timeOfDay = tod
	}

	// 1. Quota gate
	allowed, err := e.pools.CanCreate(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("check creation quota: %w", err)
	}
	if !allowed {
		return nil, models.ErrCreationQuotaExceeded
	}

	// 2. Build
	now := e.now()
	story := &models.Story{
		ID:                             uuid.New(),
		OwnerID:                        req.AccountID,
		Title:                          title,
		Genre:                          req.Genre,
		Rating:                         req.Rating,
		Style:                          req.Style,
		Language:                       req.Language,
		PlotSummary:                    req.PlotSummary,
		Scenes:                         make([]models.Scene, 0, len(req.Scenes)),
		Characters:                     make([]models.Character, 0, len(req.Characters)),
		Status:                         models.StoryStatusIdle,
		History:                        []models.HistoryEntry{},
		LocationName:                   strings.TrimSpace(req.LocationName),
		TimeOfDay:                      timeOfDay,
		Objectives:                     []models.Objective{},
		InteractionsUntilNextObjective: e.objectives.Draw(),
		Visibility:                     req.Visibility,
		Participants:                   []models.Participant{},
		NarratorMode:                   req.NarratorMode,
		CreatedAt:                      now,
		UpdatedAt:                      now,
	}
	for _, sc := range req.Scenes {
		if strings.TrimSpace(sc.Name) == "" {
			return nil, fmt.Errorf("%w: scene name is required", models.ErrInvalidInput)
		}
		story.Scenes = append(story.Scenes, models.Scene{ID: uuid.New(), Name: strings.TrimSpace(sc.Name), Description: sc.Description, ImageURL: sc.ImageURL})
	}
	if story.LocationName == "" && len(story.Scenes) > 0 {
		story.LocationName = story.Scenes[0].Name
	}
	for _, in := range req.Characters {
		if strings.TrimSpace(in.Name) == "" {
			return nil, fmt.Errorf("%w: character name is required", models.ErrInvalidInput)
		}
		if _, err := economy.AddCharacter(story, in.toCharacter()); err != nil {
			return nil, err
		}
	}
	if story.Visibility == models.VisibilityShared {
		// владелец - первый участник совместной истории
		if err := rotation.AddParticipant(story, models.Participant{UserID: req.AccountID, DisplayName: req.DisplayName, JoinedAt: now}); err != nil {
			return nil, err
		}
	}

	// 3. Persist
	saved, err := e.sync.Create(ctx, story)
	if err != nil {
		e.logger.Error("Failed to create story", append(logFields, zap.Error(err))...)
		return nil, err
	}

	// 4. Count it
	if err := e.pools.RecordCreation(ctx, req.AccountID); err != nil {
		e.logger.Error("Story created but quota counter not updated", append(logFields, zap.Stringer("storyID", saved.ID), zap.Error(err))...)
	}
	e.logger.Info("Story created", append(logFields, zap.Stringer("storyID", saved.ID), zap.String("visibility", string(saved.Visibility)))...)
	return saved, nil
}

func (e *sessionEngine) GetStory(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return e.load(ctx, storyID, accountID)
}

func (e *sessionEngine) ListStories(feed models.Feed) []*models.Story {
	return e.sync.List(feed)
}

func (e *sessionEngine) DeleteStory(ctx context.Context, storyID, accountID uuid.UUID) error {
	unlock := e.locks.Lock(storyID)
	defer unlock()

	story, err := e.load(ctx, storyID, accountID)
	if err != nil {
		return err
	}
	if err := e.requireOwner(story, accountID); err != nil {
		return err
	}
	if err := e.sync.Delete(storyID).Wait(ctx); err != nil {
		return fmt.Errorf("delete story %s: %w", storyID, err)
	}
	e.logger.Info("Story deleted", zap.Stringer("storyID", storyID))
	return nil
}

// CommitCharacter binds a playable character and leaves idle.
func (e *sessionEngine) CommitCharacter(ctx context.Context, storyID, accountID, characterID uuid.UUID) (*models.Story, error) {
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if err := e.requirePlayer(story, accountID); err != nil {
			return err
		}
		if story.Status == models.StoryStatusEnded {
			return models.ErrStoryEnded
		}
		ch := story.Character(characterID)
		if ch == nil {
			return fmt.Errorf("%w: %s", models.ErrCharacterNotFound, characterID)
		}
		if !ch.IsPlayable {
			return fmt.Errorf("%w: character %s is not playable", models.ErrInvalidInput, characterID)
		}

		if story.IsMultiParticipant() {
			for _, p := range story.Participants {
				if p.UserID != accountID && p.CharacterID != nil && *p.CharacterID == characterID {
					return fmt.Errorf("%w: character already taken", models.ErrInvalidInput)
				}
			}
			rotation.BindCharacter(story, accountID, characterID)
		} else {
			if story.Status != models.StoryStatusIdle {
				return fmt.Errorf("%w: character already committed", models.ErrInvalidState)
			}
			id := characterID
			story.TurnCharacterID = &id
		}

		if story.Status == models.StoryStatusIdle && story.TurnCharacterID != nil {
			e.transition(story, models.StoryStatusPlaying)
		}
		return nil
	})
}

// AcknowledgeChapter spends one bookmark and resumes play. The bookmark is
// returned if the commit fails.
func (e *sessionEngine) AcknowledgeChapter(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	unlock := e.locks.Lock(storyID)
	defer unlock()

	story, err := e.load(ctx, storyID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.requirePlayer(story, accountID); err != nil {
		return nil, err
	}
	if story.Status != models.StoryStatusChapterEnd {
		return nil, fmt.Errorf("%w: no chapter to acknowledge", models.ErrInvalidState)
	}

	ok, err := e.pools.Consume(ctx, accountID, models.PoolBookmarks, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInsufficientBookmarks
	}

	next := story.Clone()
	e.transition(next, models.StoryStatusPlaying)
	saved, err := e.commit(ctx, next, story.Revision)
	if err != nil {
		if errors.Is(err, models.ErrCommitPending) {
			// запись ещё может дойти до хранилища, закладку не возвращаем
			return nil, err
		}
		if _, refundErr := e.pools.Credit(context.WithoutCancel(ctx), accountID, models.PoolBookmarks, 1); refundErr != nil {
			e.logger.Error("Failed to refund bookmark", zap.Stringer("accountID", accountID), zap.Error(refundErr))
		}
		return nil, err
	}
	return saved, nil
}

func (e *sessionEngine) AcknowledgeRelationshipEvent(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if err := e.requirePlayer(story, accountID); err != nil {
			return err
		}
		if story.Status != models.StoryStatusRelationshipEvent {
			return fmt.Errorf("%w: no relationship event pending", models.ErrInvalidState)
		}
		story.PendingEvent = nil
		e.transition(story, models.StoryStatusPlaying)
		return nil
	})
}

// Restart resets every character and the session progress. Objectives are
// cleared here and only here.
func (e *sessionEngine) Restart(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if err := e.requireOwner(story, accountID); err != nil {
			return err
		}
		for i := range story.Characters {
			economy.Reset(&story.Characters[i])
		}
		story.History = []models.HistoryEntry{}
		story.Objectives = []models.Objective{}
		story.ChapterSummaries = nil
		story.PendingEvent = nil
		story.ProgressionSummary = ""
		story.PreviousLocationName = ""
		story.CurrentSceneIndex = 0
		if len(story.Scenes) > 0 {
			story.LocationName = story.Scenes[0].Name
		}
		story.TimeOfDay = models.TimeMorning
		story.InteractionsUntilNextObjective = e.objectives.Draw()
		if story.IsMultiParticipant() {
			rotation.Start(story)
		}

		if story.TurnCharacterID != nil {
			e.transition(story, models.StoryStatusPlaying)
		} else {
			e.transition(story, models.StoryStatusIdle)
		}
		e.logger.Info("Story restarted", zap.Stringer("storyID", story.ID))
		return nil
	})
}

func (e *sessionEngine) RecruitCharacter(ctx context.Context, storyID, accountID uuid.UUID, in CharacterInput) (*models.Story, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: character name is required", models.ErrInvalidInput)
	}
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if err := e.requireOwner(story, accountID); err != nil {
			return err
		}
		if story.Status == models.StoryStatusEnded {
			return models.ErrStoryEnded
		}
		ch, err := economy.AddCharacter(story, in.toCharacter())
		if err != nil {
			return err
		}
		e.logger.Info("Character recruited", zap.Stringer("storyID", story.ID), zap.Stringer("characterID", ch.ID))
		return nil
	})
}

func (e *sessionEngine) RemoveCharacter(ctx context.Context, storyID, accountID, characterID uuid.UUID) (*models.Story, error) {
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if err := e.requireOwner(story, accountID); err != nil {
			return err
		}
		if err := economy.RemoveCharacter(story, characterID); err != nil {
			return err
		}
		rotation.UnbindCharacter(story, characterID)
		if story.TurnCharacterID == nil && story.Status != models.StoryStatusEnded {
			e.transition(story, models.StoryStatusIdle)
		}
		return nil
	})
}

// AllocateStatPoint spends one unspent point of a character the caller plays.
func (e *sessionEngine) AllocateStatPoint(ctx context.Context, storyID, accountID, characterID uuid.UUID, stat models.StatName) (*models.Story, error) {
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if err := e.requirePlayer(story, accountID); err != nil {
			return err
		}
		if story.IsMultiParticipant() {
			p := story.Participants[story.Participant(accountID)]
			if p.CharacterID == nil || *p.CharacterID != characterID {
				return fmt.Errorf("%w: not your character", models.ErrForbidden)
			}
		}
		ch := story.Character(characterID)
		if ch == nil {
			return fmt.Errorf("%w: %s", models.ErrCharacterNotFound, characterID)
		}
		return economy.AllocateStatPoint(ch, stat)
	})
}

// RequestSuggestions spends one token and asks for suggested actions. The
// token is refunded when generation fails.
func (e *sessionEngine) RequestSuggestions(ctx context.Context, storyID, accountID uuid.UUID) ([]string, error) {
	story, err := e.load(ctx, storyID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.checkCanAct(story, accountID); err != nil {
		return nil, err
	}

	ok, err := e.pools.Consume(ctx, accountID, models.PoolTokens, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInsufficientTokens
	}

	req := models.SuggestionRequest{
		StoryID:            story.ID,
		Language:           story.Language,
		ProgressionSummary: story.ProgressionSummary,
		LocationName:       story.LocationName,
		ActiveCharacter:    story.ActiveCharacter(),
		RecentHistory:      recentHistory(story.History, e.cfg.RecentHistory),
	}
	if !story.NarratorMode {
		req.Objectives = objectives.Active(story)
	}
	suggestions, err := e.generator.SuggestActions(ctx, req)
	if err != nil {
		if _, refundErr := e.pools.Credit(context.WithoutCancel(ctx), accountID, models.PoolTokens, 1); refundErr != nil {
			e.logger.Error("Failed to refund token", zap.Stringer("accountID", accountID), zap.Error(refundErr))
		}
		return nil, fmt.Errorf("%w: suggestions: %v", models.ErrGenerationFailed, err)
	}
	return suggestions, nil
}

// JoinStory adds the account to a co-op story.
func (e *sessionEngine) JoinStory(ctx context.Context, storyID, accountID uuid.UUID, displayName string) (*models.Story, error) {
	unlock := e.locks.Lock(storyID)
	defer unlock()

	story, err := e.sync.Load(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Visibility != models.VisibilityShared {
		return nil, fmt.Errorf("%w: story is not open for participants", models.ErrInvalidState)
	}
	if story.Status == models.StoryStatusEnded {
		return nil, models.ErrStoryEnded
	}
	next := story.Clone()
	if err := rotation.AddParticipant(next, models.Participant{UserID: accountID, DisplayName: displayName, JoinedAt: e.now()}); err != nil {
		return nil, err
	}
	return e.commit(ctx, next, story.Revision)
}

// LeaveStory removes the participant; the turn passes by the rotation rule.
func (e *sessionEngine) LeaveStory(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return e.mutate(ctx, storyID, accountID, func(story *models.Story) error {
		if !rotation.RemoveParticipant(story, accountID) {
			return fmt.Errorf("%w: not a participant", models.ErrForbidden)
		}
		if story.TurnCharacterID == nil && story.Status == models.StoryStatusPlaying {
			e.transition(story, models.StoryStatusIdle)
		}
		return nil
	})
}

// MakePublic copies a private story into the public collection.
func (e *sessionEngine) MakePublic(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	unlock := e.locks.Lock(storyID)
	defer unlock()

	story, err := e.load(ctx, storyID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.requireOwner(story, accountID); err != nil {
		return nil, err
	}
	if story.IsPublic() {
		return nil, fmt.Errorf("%w: story is already public", models.ErrInvalidState)
	}
	saved, err := e.sync.MakePublic(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("make story %s public: %w", storyID, err)
	}
	e.logger.Info("Story made public", zap.Stringer("storyID", storyID))
	return saved, nil
}
