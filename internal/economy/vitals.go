// Package economy holds the character progression rules and the mirrored
// relationship graph. All functions mutate the values they are given; the
// engine always passes a cloned story so a failed turn leaves nothing behind.
package economy

import (
	"fmt"

	"narrative-engine/internal/models"
)

// XPPerLevel - сколько опыта нужно на каждый уровень (порог = level*XPPerLevel).
const XPPerLevel = 100

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// VitalsResult reports what ApplyVitalsDelta changed.
type VitalsResult struct {
	LeveledUp bool
}

// ApplyVitalsDelta applies a turn's vitals effects to the character.
// Health and happiness stay in [0,100], money never goes below zero and a
// non-nil item list replaces the inventory wholesale.
func ApplyVitalsDelta(ch *models.Character, d models.VitalsDelta) VitalsResult {
	ch.Vitals.Health = clamp(ch.Vitals.Health+d.Health, models.MinVital, models.MaxVital)
	ch.Vitals.Happiness = clamp(ch.Vitals.Happiness+d.Happiness, models.MinVital, models.MaxVital)
	ch.Vitals.Money += d.Money
	if ch.Vitals.Money < 0 {
		ch.Vitals.Money = 0
	}
	if d.Items != nil {
		ch.Items = append(make([]string, 0, len(d.Items)), d.Items...)
	}
	for _, skill := range d.SkillsGained {
		AddSkill(ch, skill)
	}
	if d.StatPointsGained > 0 {
		ch.UnspentStatPoints += d.StatPointsGained
	}

	var res VitalsResult
	if d.XPGained > 0 {
		res.LeveledUp = ApplyXP(ch, d.XPGained)
	}
	return res
}

// ClampVitals brings raw vitals into their allowed ranges.
func ClampVitals(v models.Vitals) models.Vitals {
	v.Health = clamp(v.Health, models.MinVital, models.MaxVital)
	v.Happiness = clamp(v.Happiness, models.MinVital, models.MaxVital)
	if v.Money < 0 {
		v.Money = 0
	}
	return v
}

// ApplyXP adds experience and raises the level by at most one per call,
// granting one unspent stat point when it does.
func ApplyXP(ch *models.Character, amount int) bool {
	if amount <= 0 {
		return false
	}
	if ch.Level < 1 {
		ch.Level = 1
	}
	ch.XP += amount
	if ch.XP >= ch.Level*XPPerLevel {
		ch.Level++
		ch.UnspentStatPoints++
		return true
	}
	return false
}

// AddSkill is a set insert; blank skills are ignored.
func AddSkill(ch *models.Character, skill string) bool {
	if skill == "" {
		return false
	}
	for _, s := range ch.Skills {
		if s == skill {
			return false
		}
	}
	ch.Skills = append(ch.Skills, skill)
	return true
}

// AllocateStatPoint spends one unspent point on the named stat.
func AllocateStatPoint(ch *models.Character, stat models.StatName) error {
	field := ch.Stats.Field(stat)
	if field == nil {
		return fmt.Errorf("%w: %q", models.ErrUnknownStat, stat)
	}
	if ch.UnspentStatPoints <= 0 {
		return models.ErrNoStatPoints
	}
	*field++
	ch.UnspentStatPoints--
	return nil
}

// SnapshotDefaults records the current vitals, items and stats as the
// restart baseline.
func SnapshotDefaults(ch *models.Character) {
	ch.DefaultStats = models.DefaultStats{
		Vitals: ch.Vitals,
		Items:  append([]string(nil), ch.Items...),
		Stats:  ch.Stats,
	}
}

// Reset restores the character to its restart baseline. Relationship edges
// stay in place with their values zeroed.
func Reset(ch *models.Character) {
	ch.Vitals = ch.DefaultStats.Vitals
	ch.Items = append([]string{}, ch.DefaultStats.Items...)
	ch.Stats = ch.DefaultStats.Stats
	ch.Level = 1
	ch.XP = 0
	ch.UnspentStatPoints = 0
	ch.Skills = []string{}
	for i := range ch.Relationships {
		ch.Relationships[i].Value = 0
	}
	ch.CurrentScenario = ""
}
