package models

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus - состояние машины прогресса истории.
type StoryStatus string

const (
	StoryStatusIdle              StoryStatus = "idle"               // Персонаж не выбран или ещё не вступил в историю.
	StoryStatusPlaying           StoryStatus = "playing"            // Обычный цикл ходов.
	StoryStatusChapterEnd        StoryStatus = "chapter_end"        // Интерстициал с пересказом главы.
	StoryStatusRelationshipEvent StoryStatus = "relationship_event" // Одноразовое событие отношений.
	StoryStatusEnded             StoryStatus = "ended"              // Терминальное состояние.
)

// Visibility decides which collection a story lives in and which feeds see it.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityShared  Visibility = "shared" // co-participant session, stored with the owner's private records
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilityShared:
		return true
	}
	return false
}

type TimeOfDay string

const (
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimeEvening   TimeOfDay = "evening"
	TimeNight     TimeOfDay = "night"
)

// ParseTimeOfDay returns the known value or false.
func ParseTimeOfDay(s string) (TimeOfDay, bool) {
	switch t := TimeOfDay(s); t {
	case TimeMorning, TimeAfternoon, TimeEvening, TimeNight:
		return t, true
	}
	return "", false
}

type Scene struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
}

// Participant - участник совместной сессии. Порядок в списке = порядок входа.
type Participant struct {
	UserID      uuid.UUID  `json:"user_id"`
	CharacterID *uuid.UUID `json:"character_id,omitempty"`
	DisplayName string     `json:"display_name"`
	JoinedAt    time.Time  `json:"joined_at"`
}

// RelationshipDelta is recorded on history entries for display and audit.
type RelationshipDelta struct {
	FromCharacterID uuid.UUID `json:"from_character_id"`
	ToCharacterID   uuid.UUID `json:"to_character_id"`
	Delta           int       `json:"delta"`
	Value           int       `json:"value"`
}

// HistoryEntry is immutable once appended.
type HistoryEntry struct {
	ID                 uuid.UUID           `json:"id"`
	Action             string              `json:"action"`
	Outcome            string              `json:"outcome"`
	CharacterID        *uuid.UUID          `json:"character_id,omitempty"`
	SceneID            *uuid.UUID          `json:"scene_id,omitempty"`
	RelationshipDeltas []RelationshipDelta `json:"relationship_deltas,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// RelationshipEvent живёт ровно один ход: хранится в Story.PendingEvent до подтверждения.
type RelationshipEvent struct {
	Character1ID uuid.UUID `json:"character1_id"`
	Character2ID uuid.UUID `json:"character2_id"`
	Value        int       `json:"value"`
	Threshold    int       `json:"threshold"`
	Description  string    `json:"description"`
	ImagePrompt  string    `json:"image_prompt,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
}

type ChapterSummary struct {
	Chapter   int       `json:"chapter"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Story - одна сессия (прохождение). Revision монотонно растёт с каждой записью
// и используется слоем синхронизации для выбора более нового снимка.
type Story struct {
	ID                             uuid.UUID          `json:"id"`
	OwnerID                        uuid.UUID          `json:"owner_id"`
	Title                          string             `json:"title"`
	Genre                          string             `json:"genre,omitempty"`
	Rating                         string             `json:"rating,omitempty"`
	Style                          string             `json:"style,omitempty"`
	Language                       string             `json:"language,omitempty"`
	PlotSummary                    string             `json:"plot_summary,omitempty"`
	Scenes                         []Scene            `json:"scenes"`
	Characters                     []Character        `json:"characters"`
	Status                         StoryStatus        `json:"status"`
	History                        []HistoryEntry     `json:"history"`
	ProgressionSummary             string             `json:"progression_summary"`
	LocationName                   string             `json:"location_name"`
	PreviousLocationName           string             `json:"previous_location_name"`
	TimeOfDay                      TimeOfDay          `json:"time_of_day"`
	CurrentSceneIndex              int                `json:"current_scene_index"`
	Objectives                     []Objective        `json:"objectives"`
	InteractionsUntilNextObjective int                `json:"interactions_until_next_objective"`
	Visibility                     Visibility         `json:"visibility"`
	Participants                   []Participant      `json:"participants"`
	TurnCharacterID                *uuid.UUID         `json:"turn_character_id"`
	NarratorMode                   bool               `json:"narrator_mode"`
	PendingEvent                   *RelationshipEvent `json:"pending_event"`
	ChapterSummaries               []ChapterSummary   `json:"chapter_summaries"`
	Revision                       int64              `json:"revision"`
	CreatedAt                      time.Time          `json:"created_at"`
	UpdatedAt                      time.Time          `json:"updated_at"`
}

// IsPublic reports whether the story lives in the public collection.
func (s *Story) IsPublic() bool { return s.Visibility == VisibilityPublic }

// IsMultiParticipant - совместная сессия с ротацией ходов.
func (s *Story) IsMultiParticipant() bool { return len(s.Participants) > 0 }

// Character returns a pointer into s.Characters, or nil.
func (s *Story) Character(id uuid.UUID) *Character {
	for i := range s.Characters {
		if s.Characters[i].ID == id {
			return &s.Characters[i]
		}
	}
	return nil
}

// ActiveCharacter returns the character holding the turn, or nil.
func (s *Story) ActiveCharacter() *Character {
	if s.TurnCharacterID == nil {
		return nil
	}
	return s.Character(*s.TurnCharacterID)
}

// CurrentScene returns nil when the story has no scenes yet.
func (s *Story) CurrentScene() *Scene {
	if s.CurrentSceneIndex < 0 || s.CurrentSceneIndex >= len(s.Scenes) {
		return nil
	}
	return &s.Scenes[s.CurrentSceneIndex]
}

// Participant returns the index of the account in Participants, or -1.
func (s *Story) Participant(userID uuid.UUID) int {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

// ParticipantIDs - ID аккаунтов участников, для индексов хранилища.
func (s *Story) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CanView reports whether the account may read the story.
func (s *Story) CanView(accountID uuid.UUID) bool {
	return s.IsPublic() || s.OwnerID == accountID || s.Participant(accountID) >= 0
}

// Clone returns a deep copy; the engine always mutates clones and commits them whole.
func (s *Story) Clone() *Story {
	if s == nil {
		return nil
	}
	out := *s
	if s.Scenes != nil {
		out.Scenes = make([]Scene, len(s.Scenes))
		copy(out.Scenes, s.Scenes)
	}
	if s.Characters != nil {
		out.Characters = make([]Character, len(s.Characters))
		for i, ch := range s.Characters {
			out.Characters[i] = ch.Clone()
		}
	}
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		for i, e := range s.History {
			e.RelationshipDeltas = append([]RelationshipDelta(nil), e.RelationshipDeltas...)
			out.History[i] = e
		}
	}
	if s.Objectives != nil {
		out.Objectives = make([]Objective, len(s.Objectives))
		copy(out.Objectives, s.Objectives)
	}
	if s.Participants != nil {
		out.Participants = make([]Participant, len(s.Participants))
		copy(out.Participants, s.Participants)
	}
	if s.ChapterSummaries != nil {
		out.ChapterSummaries = make([]ChapterSummary, len(s.ChapterSummaries))
		copy(out.ChapterSummaries, s.ChapterSummaries)
	}
	if s.TurnCharacterID != nil {
		id := *s.TurnCharacterID
		out.TurnCharacterID = &id
	}
	if s.PendingEvent != nil {
		ev := *s.PendingEvent
		out.PendingEvent = &ev
	}
	return &out
}
