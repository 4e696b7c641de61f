// Package objectives manages narrative goals: the countdown that forces a new
// objective, one-shot completion and reward payout.
package objectives

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinCountdown = 6
	MaxCountdown = 8
)

// RewardCrediter credits objective rewards to an account's token pool.
type RewardCrediter interface {
	Plan(ctx context.Context, accountID uuid.UUID) (models.Plan, error)
	Credit(ctx context.Context, accountID uuid.UUID, kind models.PoolKind, amount int) (*models.Account, error)
}

// CompletionResult describes what Complete did.
type CompletionResult struct {
	Objective        *models.Objective
	Completed        bool // false when the id was unknown or already completed
	Reward           int  // tokens owed to the account
	RewardSuppressed bool // free tier: completed without reward
}

// Manager - жизненный цикл целей. Счётчик и создание работают над копией
// истории, выплата наград выполняется после фиксации хода.
type Manager struct {
	crediter RewardCrediter
	mu       sync.Mutex
	rng      *rand.Rand
	logger   *zap.Logger
}

func NewManager(crediter RewardCrediter, seed int64, logger *zap.Logger) *Manager {
	return &Manager{
		crediter: crediter,
		rng:      rand.New(rand.NewSource(seed)),
		logger:   logger.Named("ObjectiveManager"),
	}
}

// Draw returns a countdown uniformly from [MinCountdown, MaxCountdown].
func (m *Manager) Draw() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MinCountdown + m.rng.Intn(MaxCountdown-MinCountdown+1)
}

// Tick decrements the countdown (never below zero) and reports whether this
// turn must produce a new objective.
func (m *Manager) Tick(story *models.Story) bool {
	if story.InteractionsUntilNextObjective > 0 {
		story.InteractionsUntilNextObjective--
	}
	return story.InteractionsUntilNextObjective == 0
}

// Create appends an active objective and redraws the countdown. A blank
// proposal creates nothing, so the countdown stays at zero and the next turn
// asks again.
func (m *Manager) Create(story *models.Story, p *models.ObjectiveProposal, now time.Time) *models.Objective {
	if p == nil || strings.TrimSpace(p.Description) == "" {
		return nil
	}
	reward := p.TokenReward
	if reward < 0 {
		reward = 0
	}
	story.Objectives = append(story.Objectives, models.Objective{
		ID:          uuid.New(),
		Description: strings.TrimSpace(p.Description),
		Status:      models.ObjectiveActive,
		TokenReward: reward,
		CreatedAt:   now,
	})
	story.InteractionsUntilNextObjective = m.Draw()
	return &story.Objectives[len(story.Objectives)-1]
}

// Complete flips an active objective to completed. Unknown, malformed or
// already completed ids are a no-op. The reward is only computed here; the
// caller pays it with PayReward once the turn is committed.
func (m *Manager) Complete(ctx context.Context, story *models.Story, accountID uuid.UUID, rawID string, now time.Time) (CompletionResult, error) {
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return CompletionResult{}, nil
	}
	var obj *models.Objective
	for i := range story.Objectives {
		if story.Objectives[i].ID == id {
			obj = &story.Objectives[i]
			break
		}
	}
	if obj == nil || obj.Status != models.ObjectiveActive {
		return CompletionResult{}, nil
	}

	plan, err := m.crediter.Plan(ctx, accountID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("resolve plan for reward: %w", err)
	}

	completedAt := now
	obj.Status = models.ObjectiveCompleted
	obj.CompletedAt = &completedAt

	done := *obj
	res := CompletionResult{Objective: &done, Completed: true}
	if plan.AboveFree() {
		res.Reward = obj.TokenReward
	} else {
		res.RewardSuppressed = obj.TokenReward > 0
	}
	return res, nil
}

// PayReward credits the computed reward. Zero rewards are skipped.
func (m *Manager) PayReward(ctx context.Context, accountID uuid.UUID, res CompletionResult) error {
	if !res.Completed || res.Reward <= 0 {
		return nil
	}
	if _, err := m.crediter.Credit(ctx, accountID, models.PoolTokens, res.Reward); err != nil {
		m.logger.Error("Failed to credit objective reward",
			zap.Stringer("accountID", accountID),
			zap.Stringer("objectiveID", res.Objective.ID),
			zap.Int("reward", res.Reward),
			zap.Error(err),
		)
		return fmt.Errorf("credit objective reward: %w", err)
	}
	m.logger.Info("Objective reward credited",
		zap.Stringer("accountID", accountID),
		zap.Stringer("objectiveID", res.Objective.ID),
		zap.Int("reward", res.Reward),
	)
	return nil
}

// Active returns the objectives that are still open.
func Active(story *models.Story) []models.Objective {
	out := make([]models.Objective, 0, len(story.Objectives))
	for _, o := range story.Objectives {
		if o.Status == models.ObjectiveActive {
			out = append(out, o)
		}
	}
	return out
}
