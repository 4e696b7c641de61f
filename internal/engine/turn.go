package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"narrative-engine/internal/models"
	"narrative-engine/internal/objectives"
	"narrative-engine/internal/rotation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitAction runs one turn. Nothing is mutated until the generation service
// has answered; the payload is applied to a copy and committed in one write.
func (e *sessionEngine) SubmitAction(ctx context.Context, req ActionRequest) (*TurnResult, error) {
	logFields := []zap.Field{
		zap.Stringer("storyID", req.StoryID),
		zap.Stringer("accountID", req.AccountID),
	}
	log := e.logger.With(logFields...)
	log.Debug("SubmitAction called")

	action := strings.TrimSpace(req.Action)
	if action == "" {
		return nil, fmt.Errorf("%w: empty action", models.ErrInvalidInput)
	}

	unlock := e.locks.Lock(req.StoryID)
	defer unlock()

	// 1. Load and validate
	story, err := e.load(ctx, req.StoryID, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := e.checkCanAct(story, req.AccountID); err != nil {
		log.Info("Action rejected", zap.String("status", string(story.Status)), zap.Error(err))
		return nil, err
	}

	strategy := e.strategies[story.NarratorMode]
	start := time.Now()

	// 2. Hard cap: the story ends, nothing is generated or appended
	if len(story.History) >= e.cfg.MaxHistory {
		next := story.Clone()
		e.transition(next, models.StoryStatusEnded)
		saved, err := e.commit(ctx, next, story.Revision)
		if err != nil {
			return nil, err
		}
		turnsTotal.WithLabelValues(strategy.Name(), "cap_reached").Inc()
		log.Info("History cap reached, story ended", zap.Int("historyLen", len(story.History)))
		return &TurnResult{Story: saved, Status: saved.Status, CapReached: true}, nil
	}

	// Once the generation request is sent the turn is applied or fails as a
	// whole; a disconnecting caller does not cancel it.
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	work := story.Clone()

	// 3. Build the generation request
	mustCreate := false
	if !work.NarratorMode {
		mustCreate = e.objectives.Tick(work)
	}
	genReq := e.buildGenerationRequest(work, action, mustCreate)

	// 4. Call the generation service
	payload, err := e.generator.GenerateTurn(ctx, genReq)
	if err != nil {
		turnsTotal.WithLabelValues(strategy.Name(), "generation_error").Inc()
		log.Error("Generation failed, turn abandoned", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	if payload == nil {
		turnsTotal.WithLabelValues(strategy.Name(), "generation_error").Inc()
		return nil, fmt.Errorf("%w: empty effect payload", models.ErrGenerationFailed)
	}

	// 5. Apply the payload to the working copy
	tc := &turnContext{
		ctx:        ctx,
		story:      work,
		actor:      work.ActiveCharacter(),
		accountID:  req.AccountID,
		payload:    payload,
		mustCreate: mustCreate,
		now:        now,
		logger:     log,
	}
	if err := strategy.Apply(tc); err != nil {
		turnsTotal.WithLabelValues(strategy.Name(), "apply_error").Inc()
		log.Error("Applying effect payload failed, turn abandoned", zap.Error(err))
		return nil, err
	}

	// 6. History entry
	entry := models.HistoryEntry{
		ID:                 uuid.New(),
		Action:             action,
		Outcome:            payload.Narrative,
		RelationshipDeltas: tc.deltas,
		CreatedAt:          now,
	}
	if tc.actor != nil {
		id := tc.actor.ID
		entry.CharacterID = &id
	}
	if scene := work.CurrentScene(); scene != nil {
		id := scene.ID
		entry.SceneID = &id
	}
	work.History = append(work.History, entry)

	// 7. Rotation
	e.advanceTurn(work, payload, log)

	// 8. Branch state
	work.PendingEvent = nil
	switch {
	case payload.StoryEnded:
		e.transition(work, models.StoryStatusEnded)
	case tc.event != nil:
		work.PendingEvent = tc.event
		e.transition(work, models.StoryStatusRelationshipEvent)
	case len(work.History)%e.cfg.ChapterLength == 0:
		if err := e.closeChapter(ctx, work, now); err != nil {
			turnsTotal.WithLabelValues(strategy.Name(), "summary_error").Inc()
			log.Error("Chapter summary failed, turn abandoned", zap.Error(err))
			return nil, err
		}
		e.transition(work, models.StoryStatusChapterEnd)
	default:
		e.transition(work, models.StoryStatusPlaying)
	}

	saved, err := e.commit(ctx, work, story.Revision)
	if err != nil {
		turnsTotal.WithLabelValues(strategy.Name(), "commit_error").Inc()
		log.Error("Turn commit failed", zap.Error(err))
		return nil, err
	}

	result := &TurnResult{
		Story:            saved,
		Entry:            &saved.History[len(saved.History)-1],
		Status:           saved.Status,
		Event:            saved.PendingEvent,
		ObjectiveCreated: tc.created,
		RewardSuppressed: tc.completion.RewardSuppressed,
		LeveledUp:        tc.leveledUp,
	}
	if tc.completion.Completed {
		result.ObjectiveCompleted = tc.completion.Objective
	}

	// Reward is paid only after the turn is persisted.
	if err := e.objectives.PayReward(ctx, req.AccountID, tc.completion); err != nil {
		log.Error("Objective completed but reward was not credited", zap.Error(err))
		result.RewardFailed = true
	} else {
		result.RewardCredited = tc.completion.Reward
	}

	turnsTotal.WithLabelValues(strategy.Name(), string(saved.Status)).Inc()
	turnDuration.WithLabelValues(strategy.Name()).Observe(time.Since(start).Seconds())
	log.Info("Turn applied",
		zap.String("strategy", strategy.Name()),
		zap.String("status", string(saved.Status)),
		zap.Int("historyLen", len(saved.History)),
		zap.Int64("revision", saved.Revision),
	)
	return result, nil
}

// checkCanAct validates status and turn ownership.
func (e *sessionEngine) checkCanAct(story *models.Story, accountID uuid.UUID) error {
	if err := e.requirePlayer(story, accountID); err != nil {
		return err
	}
	switch story.Status {
	case models.StoryStatusPlaying:
	case models.StoryStatusIdle:
		return models.ErrNoActiveCharacter
	case models.StoryStatusChapterEnd, models.StoryStatusRelationshipEvent:
		return models.ErrInterstitialPending
	case models.StoryStatusEnded:
		return models.ErrStoryEnded
	default:
		return fmt.Errorf("%w: %s", models.ErrInvalidState, story.Status)
	}
	if story.ActiveCharacter() == nil {
		return models.ErrNoActiveCharacter
	}
	if !rotation.CanAct(story, accountID) {
		return models.ErrNotYourTurn
	}
	return nil
}

func (e *sessionEngine) buildGenerationRequest(story *models.Story, action string, mustCreate bool) models.GenerationRequest {
	req := models.GenerationRequest{
		StoryID:             story.ID,
		Title:               story.Title,
		Genre:               story.Genre,
		Style:               story.Style,
		Language:            story.Language,
		PlotSummary:         story.PlotSummary,
		ProgressionSummary:  story.ProgressionSummary,
		LocationName:        story.LocationName,
		TimeOfDay:           story.TimeOfDay,
		Action:              action,
		Characters:          make([]models.Character, 0, len(story.Characters)),
		CandidateScenes:     append([]models.Scene(nil), story.Scenes...),
		Objectives:          objectives.Active(story),
		MustCreateObjective: mustCreate,
		NarratorMode:        story.NarratorMode,
		RecentHistory:       append([]models.HistoryEntry(nil), recentHistory(story.History, e.cfg.RecentHistory)...),
	}
	for _, ch := range story.Characters {
		req.Characters = append(req.Characters, ch.Clone())
	}
	if actor := story.ActiveCharacter(); actor != nil {
		a := actor.Clone()
		req.ActiveCharacter = &a
	}
	if scene := story.CurrentScene(); scene != nil {
		id := scene.ID
		req.CurrentSceneID = &id
	}
	return req
}

// advanceTurn moves rotation in co-op stories. In solo stories the payload may
// hand the turn to another playable character.
func (e *sessionEngine) advanceTurn(story *models.Story, payload *models.EffectPayload, log *zap.Logger) {
	if story.IsMultiParticipant() {
		rotation.Advance(story)
		return
	}
	if payload.NextCharacterID == "" {
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(payload.NextCharacterID))
	if err != nil {
		log.Warn("Malformed next character hint ignored", zap.String("nextCharacterID", payload.NextCharacterID))
		return
	}
	ch := story.Character(id)
	if ch == nil || !ch.IsPlayable {
		log.Warn("Next character hint does not name a playable character", zap.Stringer("nextCharacterID", id))
		return
	}
	story.TurnCharacterID = &id
}

// closeChapter asks for a summary of the last chapter and stores it.
func (e *sessionEngine) closeChapter(ctx context.Context, story *models.Story, now time.Time) error {
	chapter := len(story.History) / e.cfg.ChapterLength
	summary, err := e.generator.SummarizeChapter(ctx, models.ChapterRequest{
		StoryID:            story.ID,
		Title:              story.Title,
		Language:           story.Language,
		Chapter:            chapter,
		ProgressionSummary: story.ProgressionSummary,
		Entries:            recentHistory(story.History, e.cfg.ChapterLength),
	})
	if err != nil {
		return fmt.Errorf("%w: chapter summary: %v", models.ErrGenerationFailed, err)
	}
	story.ChapterSummaries = append(story.ChapterSummaries, models.ChapterSummary{
		Chapter:   chapter,
		Summary:   strings.TrimSpace(summary),
		CreatedAt: now,
	})
	return nil
}

func recentHistory(history []models.HistoryEntry, n int) []models.HistoryEntry {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
