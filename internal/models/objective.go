package models

import (
	"time"

	"github.com/google/uuid"
)

type ObjectiveStatus string

const (
	ObjectiveActive    ObjectiveStatus = "active"
	ObjectiveCompleted ObjectiveStatus = "completed"
)

// Objective - сюжетная цель. Создаётся только при применении эффектов хода,
// завершается ровно один раз и никогда не открывается повторно.
type Objective struct {
	ID          uuid.UUID       `json:"id"`
	Description string          `json:"description"`
	Status      ObjectiveStatus `json:"status"`
	TokenReward int             `json:"token_reward"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
