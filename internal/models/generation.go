package models

import "github.com/google/uuid"

// GenerationRequest - контекст хода, отправляемый сервису генерации.
type GenerationRequest struct {
	StoryID             uuid.UUID      `json:"story_id"`
	Title               string         `json:"title"`
	Genre               string         `json:"genre,omitempty"`
	Style               string         `json:"style,omitempty"`
	Language            string         `json:"language,omitempty"`
	PlotSummary         string         `json:"plot_summary,omitempty"`
	ProgressionSummary  string         `json:"progression_summary,omitempty"`
	LocationName        string         `json:"location_name,omitempty"`
	TimeOfDay           TimeOfDay      `json:"time_of_day"`
	Action              string         `json:"action"`
	ActiveCharacter     *Character     `json:"active_character,omitempty"`
	Characters          []Character    `json:"characters"`
	CandidateScenes     []Scene        `json:"candidate_scenes"`
	CurrentSceneID      *uuid.UUID     `json:"current_scene_id,omitempty"`
	Objectives          []Objective    `json:"objectives,omitempty"`
	MustCreateObjective bool           `json:"must_create_objective"`
	NarratorMode        bool           `json:"narrator_mode"`
	RecentHistory       []HistoryEntry `json:"recent_history,omitempty"`
}

// SceneProposal - новая сцена, предложенная генератором.
type SceneProposal struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImagePrompt string `json:"image_prompt,omitempty"`
}

// VitalsDelta carries relative vitals changes. Items, when non-nil, is the
// complete resulting inventory and replaces the old one.
type VitalsDelta struct {
	Health           int      `json:"health,omitempty"`
	Money            int      `json:"money,omitempty"`
	Happiness        int      `json:"happiness,omitempty"`
	Items            []string `json:"items,omitempty"`
	XPGained         int      `json:"xp_gained,omitempty"`
	StatPointsGained int      `json:"stat_points_gained,omitempty"`
	SkillsGained     []string `json:"skills_gained,omitempty"`
}

// RelationshipDeltaProposal uses raw string ids: the generator may return
// anything and malformed targets are skipped, not rejected.
type RelationshipDeltaProposal struct {
	FromCharacterID string `json:"from_character_id"`
	ToCharacterID   string `json:"to_character_id"`
	Delta           int    `json:"delta"`
}

type RelationshipEventProposal struct {
	Character1ID string `json:"character1_id,omitempty"`
	Character2ID string `json:"character2_id,omitempty"`
	Description  string `json:"description"`
	ImagePrompt  string `json:"image_prompt,omitempty"`
}

type ObjectiveProposal struct {
	Description string `json:"description"`
	TokenReward int    `json:"token_reward"`
}

// EffectPayload - структурированный ответ генератора. Все поля, кроме Narrative,
// необязательны.
type EffectPayload struct {
	Narrative            string                      `json:"narrative"`
	LocationName         string                      `json:"location_name,omitempty"`
	SelectedSceneID      string                      `json:"selected_scene_id,omitempty"`
	NewScene             *SceneProposal              `json:"new_scene,omitempty"`
	TimeOfDay            string                      `json:"time_of_day,omitempty"`
	ProgressionSummary   string                      `json:"progression_summary,omitempty"`
	Vitals               *VitalsDelta                `json:"vitals,omitempty"`
	RelationshipDeltas   []RelationshipDeltaProposal `json:"relationship_deltas,omitempty"`
	RelationshipEvent    *RelationshipEventProposal  `json:"relationship_event,omitempty"`
	NewObjective         *ObjectiveProposal          `json:"new_objective,omitempty"`
	CompletedObjectiveID string                      `json:"completed_objective_id,omitempty"`
	NextCharacterID      string                      `json:"next_character_id,omitempty"`
	StoryEnded           bool                        `json:"story_ended,omitempty"`
}

// ChapterRequest asks for a summary of the entries since the last chapter.
type ChapterRequest struct {
	StoryID            uuid.UUID      `json:"story_id"`
	Title              string         `json:"title"`
	Language           string         `json:"language,omitempty"`
	Chapter            int            `json:"chapter"`
	ProgressionSummary string         `json:"progression_summary,omitempty"`
	Entries            []HistoryEntry `json:"entries"`
}

// SuggestionRequest - запрос вариантов действий для активного персонажа.
type SuggestionRequest struct {
	StoryID            uuid.UUID      `json:"story_id"`
	Language           string         `json:"language,omitempty"`
	ProgressionSummary string         `json:"progression_summary,omitempty"`
	LocationName       string         `json:"location_name,omitempty"`
	ActiveCharacter    *Character     `json:"active_character,omitempty"`
	Objectives         []Objective    `json:"objectives,omitempty"`
	RecentHistory      []HistoryEntry `json:"recent_history,omitempty"`
}

// AssetKind - тип загружаемого ассета.
type AssetKind string

const (
	AssetImage AssetKind = "image"
	AssetAudio AssetKind = "audio"
)
