package engine

import (
	"narrative-engine/internal/economy"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

// ActionRequest - ход игрока.
type ActionRequest struct {
	StoryID   uuid.UUID
	AccountID uuid.UUID
	Action    string
}

// TurnResult is what a submitted action produced.
type TurnResult struct {
	Story              *models.Story
	Entry              *models.HistoryEntry
	Status             models.StoryStatus
	Event              *models.RelationshipEvent
	ObjectiveCreated   *models.Objective
	ObjectiveCompleted *models.Objective
	RewardCredited     int
	RewardSuppressed   bool
	RewardFailed       bool // objective completed, credit failed after the commit
	LeveledUp          bool
	CapReached         bool
}

type SceneInput struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
}

type CharacterInput struct {
	Name       string        `json:"name" binding:"required"`
	Traits     []string      `json:"traits"`
	Backstory  string        `json:"backstory"`
	Appearance string        `json:"appearance"`
	ImageURL   string        `json:"image_url"`
	IsPlayable bool          `json:"is_playable"`
	Vitals     models.Vitals `json:"vitals"`
	Items      []string      `json:"items"`
	Stats      models.Stats  `json:"stats"`
}

// CreateStoryRequest - параметры новой истории.
type CreateStoryRequest struct {
	AccountID    uuid.UUID         `json:"-"`
	DisplayName  string            `json:"-"`
	Title        string            `json:"title" binding:"required"`
	Genre        string            `json:"genre"`
	Rating       string            `json:"rating"`
	Style        string            `json:"style"`
	Language     string            `json:"language"`
	PlotSummary  string            `json:"plot_summary"`
	Visibility   models.Visibility `json:"visibility"`
	NarratorMode bool              `json:"narrator_mode"`
	LocationName string            `json:"location_name"`
	TimeOfDay    models.TimeOfDay  `json:"time_of_day"`
	Scenes       []SceneInput      `json:"scenes"`
	Characters   []CharacterInput  `json:"characters"`
}

func (in CharacterInput) toCharacter() models.Character {
	return models.Character{
		ID:         uuid.New(),
		Name:       in.Name,
		Traits:     in.Traits,
		Backstory:  in.Backstory,
		Appearance: in.Appearance,
		ImageURL:   in.ImageURL,
		IsPlayable: in.IsPlayable,
		Vitals:     economy.ClampVitals(in.Vitals),
		Items:      append([]string{}, in.Items...),
		Skills:     []string{},
		Level:      1,
		Stats:      in.Stats,
	}
}
