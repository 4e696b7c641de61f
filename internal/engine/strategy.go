package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"narrative-engine/internal/economy"
	"narrative-engine/internal/models"
	"narrative-engine/internal/objectives"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// turnContext carries one turn's working copy through the strategy.
type turnContext struct {
	ctx        context.Context
	story      *models.Story // working clone, committed whole or dropped
	actor      *models.Character
	accountID  uuid.UUID
	payload    *models.EffectPayload
	mustCreate bool
	now        time.Time
	logger     *zap.Logger

	deltas     []models.RelationshipDelta
	event      *models.RelationshipEvent
	created    *models.Objective
	completion objectives.CompletionResult
	leveledUp  bool
}

// TurnStrategy applies the strategy-specific part of a turn (scene, vitals,
// relationships, objectives). History, rotation and the chapter/cap rules are
// shared by the engine.
type TurnStrategy interface {
	Name() string
	Apply(tc *turnContext) error
}

// fullStrategy - полный режим: сцены, витальные показатели, отношения, цели.
type fullStrategy struct {
	e *sessionEngine
}

func (s *fullStrategy) Name() string { return "full" }

func (s *fullStrategy) Apply(tc *turnContext) error {
	// 1-2. Scene selection or synthesis
	if err := s.e.resolveScene(tc); err != nil {
		return err
	}
	s.e.applyNarrativeFields(tc)

	// 3. Vitals / xp / level
	if tc.payload.Vitals != nil && tc.actor != nil {
		res := economy.ApplyVitalsDelta(tc.actor, *tc.payload.Vitals)
		tc.leveledUp = res.LeveledUp
	}

	// 4. Relationships
	if err := s.e.applyRelationships(tc); err != nil {
		return err
	}

	// 5. Objectives
	return s.e.applyObjectives(tc)
}

// reducedStrategy - режим рассказчика: только сцена, сводка и время суток.
type reducedStrategy struct {
	e *sessionEngine
}

func (s *reducedStrategy) Name() string { return "reduced" }

func (s *reducedStrategy) Apply(tc *turnContext) error {
	if err := s.e.resolveScene(tc); err != nil {
		return err
	}
	s.e.applyNarrativeFields(tc)
	return nil
}

// resolveScene selects the scene named by the payload, or synthesizes a
// proposed new one. Unknown ids fall back to the current scene.
func (e *sessionEngine) resolveScene(tc *turnContext) error {
	p := tc.payload
	story := tc.story

	if p.NewScene != nil && strings.TrimSpace(p.NewScene.Name) != "" {
		scene := models.Scene{
			ID:          uuid.New(),
			Name:        strings.TrimSpace(p.NewScene.Name),
			Description: p.NewScene.Description,
		}
		if prompt := strings.TrimSpace(p.NewScene.ImagePrompt); prompt != "" {
			url, err := e.renderImage(tc.ctx, prompt)
			if err != nil {
				return fmt.Errorf("scene image: %w", err)
			}
			scene.ImageURL = url
		}
		story.Scenes = append(story.Scenes, scene)
		story.CurrentSceneIndex = len(story.Scenes) - 1
		tc.logger.Info("New scene added", zap.Stringer("sceneID", scene.ID), zap.String("name", scene.Name))
		return nil
	}

	if p.SelectedSceneID == "" {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(p.SelectedSceneID))
	if err == nil {
		for i := range story.Scenes {
			if story.Scenes[i].ID == id {
				story.CurrentSceneIndex = i
				return nil
			}
		}
	}
	tc.logger.Warn("Unknown scene id in effect payload, keeping current scene", zap.String("selectedSceneID", p.SelectedSceneID))
	return nil
}

// applyNarrativeFields updates location, time of day and the rolling summary.
func (e *sessionEngine) applyNarrativeFields(tc *turnContext) {
	p := tc.payload
	story := tc.story

	if loc := strings.TrimSpace(p.LocationName); loc != "" && loc != story.LocationName {
		story.PreviousLocationName = story.LocationName
		story.LocationName = loc
	}
	if p.TimeOfDay != "" {
		if tod, ok := models.ParseTimeOfDay(strings.ToLower(strings.TrimSpace(p.TimeOfDay))); ok {
			story.TimeOfDay = tod
		} else {
			tc.logger.Warn("Unknown time of day in effect payload", zap.String("timeOfDay", p.TimeOfDay))
		}
	}
	if summary := strings.TrimSpace(p.ProgressionSummary); summary != "" {
		story.ProgressionSummary = summary
	}
}

// applyRelationships applies every delta to both mirrored edges. Malformed
// or unknown targets are skipped. The first threshold crossing captures a
// relationship event.
func (e *sessionEngine) applyRelationships(tc *turnContext) error {
	for _, d := range tc.payload.RelationshipDeltas {
		fromID, errFrom := uuid.Parse(strings.TrimSpace(d.FromCharacterID))
		toID, errTo := uuid.Parse(strings.TrimSpace(d.ToCharacterID))
		if errFrom != nil || errTo != nil {
			tc.logger.Warn("Malformed relationship target skipped",
				zap.String("from", d.FromCharacterID), zap.String("to", d.ToCharacterID))
			continue
		}
		change, err := economy.AdjustRelationship(tc.story, fromID, toID, d.Delta)
		if err != nil {
			tc.logger.Warn("Relationship delta skipped", zap.Error(err))
			continue
		}
		tc.deltas = append(tc.deltas, models.RelationshipDelta{
			FromCharacterID: fromID,
			ToCharacterID:   toID,
			Delta:           d.Delta,
			Value:           change.NewValue,
		})

		if tc.event != nil {
			continue
		}
		threshold, crossed := economy.CrossedThreshold(change.OldValue, change.NewValue, e.cfg.RelationshipThresholds)
		if !crossed {
			continue
		}
		ev, err := e.buildRelationshipEvent(tc, change, threshold)
		if err != nil {
			return err
		}
		tc.event = ev
	}
	if tc.event == nil && tc.payload.RelationshipEvent != nil {
		tc.logger.Debug("Relationship event proposed without a threshold crossing, ignored")
	}
	return nil
}

func (e *sessionEngine) buildRelationshipEvent(tc *turnContext, change economy.RelationshipChange, threshold int) (*models.RelationshipEvent, error) {
	ev := &models.RelationshipEvent{
		Character1ID: change.FromID,
		Character2ID: change.ToID,
		Value:        change.NewValue,
		Threshold:    threshold,
	}
	if proposal := tc.payload.RelationshipEvent; proposal != nil {
		ev.Description = strings.TrimSpace(proposal.Description)
		ev.ImagePrompt = strings.TrimSpace(proposal.ImagePrompt)
	}
	if ev.Description == "" {
		a, b := tc.story.Character(change.FromID), tc.story.Character(change.ToID)
		ev.Description = fmt.Sprintf("%s and %s: relationship reached %d", a.Name, b.Name, change.NewValue)
	}
	if ev.ImagePrompt != "" {
		url, err := e.renderImage(tc.ctx, ev.ImagePrompt)
		if err != nil {
			return nil, fmt.Errorf("relationship event image: %w", err)
		}
		ev.ImageURL = url
	}
	tc.logger.Info("Relationship threshold crossed",
		zap.Stringer("character1", ev.Character1ID),
		zap.Stringer("character2", ev.Character2ID),
		zap.Int("threshold", threshold),
		zap.Int("value", ev.Value),
	)
	return ev, nil
}

// applyObjectives resolves at most one completion and one creation.
func (e *sessionEngine) applyObjectives(tc *turnContext) error {
	if id := tc.payload.CompletedObjectiveID; id != "" {
		res, err := e.objectives.Complete(tc.ctx, tc.story, tc.accountID, id, tc.now)
		if err != nil {
			return err
		}
		tc.completion = res
	}
	if tc.mustCreate {
		tc.created = e.objectives.Create(tc.story, tc.payload.NewObjective, tc.now)
		if tc.created == nil {
			tc.logger.Warn("Objective was required but not produced, retrying next turn")
		}
	} else if tc.payload.NewObjective != nil {
		tc.logger.Debug("Unrequested objective ignored")
	}
	return nil
}

// renderImage generates an image and stores it, returning its URL. No retries.
func (e *sessionEngine) renderImage(ctx context.Context, prompt string) (string, error) {
	data, err := e.generator.GenerateImage(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	url, err := e.assets.Put(ctx, models.AssetImage, data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrAssetUpload, err)
	}
	return url, nil
}
