package models

import "github.com/google/uuid"

const (
	MinVital        = 0
	MaxVital        = 100
	MinRelationship = -100
	MaxRelationship = 100
)

// StatName - одна из четырёх характеристик персонажа.
type StatName string

const (
	StatIntellect StatName = "intellect"
	StatCharisma  StatName = "charisma"
	StatWits      StatName = "wits"
	StatWillpower StatName = "willpower"
)

// Vitals - здоровье, деньги и счастье персонажа.
type Vitals struct {
	Health    int `json:"health"`
	Money     int `json:"money"`
	Happiness int `json:"happiness"`
}

type Stats struct {
	Intellect int `json:"intellect"`
	Charisma  int `json:"charisma"`
	Wits      int `json:"wits"`
	Willpower int `json:"willpower"`
}

// Field returns a pointer to the named stat, or nil for an unknown name.
func (s *Stats) Field(name StatName) *int {
	switch name {
	case StatIntellect:
		return &s.Intellect
	case StatCharisma:
		return &s.Charisma
	case StatWits:
		return &s.Wits
	case StatWillpower:
		return &s.Willpower
	}
	return nil
}

// DefaultStats - снимок начального состояния, используется при рестарте истории.
type DefaultStats struct {
	Vitals Vitals   `json:"vitals"`
	Items  []string `json:"items,omitempty"`
	Stats  Stats    `json:"stats"`
}

// Relationship is one directed edge of the relationship graph. Every pair of
// characters stores two mirrored edges with the same value.
type Relationship struct {
	TargetCharacterID uuid.UUID `json:"target_character_id"`
	Value             int       `json:"value"`
}

type Character struct {
	ID                uuid.UUID      `json:"id"`
	Name              string         `json:"name"`
	Traits            []string       `json:"traits,omitempty"`
	Backstory         string         `json:"backstory,omitempty"`
	Appearance        string         `json:"appearance,omitempty"`
	ImageURL          string         `json:"image_url,omitempty"`
	IsPlayable        bool           `json:"is_playable"`
	Vitals            Vitals         `json:"vitals"`
	Items             []string       `json:"items"`
	Skills            []string       `json:"skills"`
	Level             int            `json:"level"`
	XP                int            `json:"xp"`
	UnspentStatPoints int            `json:"unspent_stat_points"`
	Stats             Stats          `json:"stats"`
	DefaultStats      DefaultStats   `json:"default_stats"`
	Relationships     []Relationship `json:"relationships"`
	CurrentScenario   string         `json:"current_scenario,omitempty"`
}

// RelationshipTo returns the edge pointing at target, or nil.
func (c *Character) RelationshipTo(target uuid.UUID) *Relationship {
	for i := range c.Relationships {
		if c.Relationships[i].TargetCharacterID == target {
			return &c.Relationships[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the character.
func (c Character) Clone() Character {
	out := c
	out.Traits = cloneStrings(c.Traits)
	out.Items = cloneStrings(c.Items)
	out.Skills = cloneStrings(c.Skills)
	out.DefaultStats.Items = cloneStrings(c.DefaultStats.Items)
	if c.Relationships != nil {
		out.Relationships = make([]Relationship, len(c.Relationships))
		copy(out.Relationships, c.Relationships)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
