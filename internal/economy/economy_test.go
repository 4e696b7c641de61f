package economy

import (
	"math/rand"
	"testing"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCharacter(name string) models.Character {
	return models.Character{
		ID:     uuid.New(),
		Name:   name,
		Level:  1,
		Vitals: models.Vitals{Health: 80, Money: 10, Happiness: 50},
		Items:  []string{"map"},
		Stats:  models.Stats{Intellect: 2, Charisma: 3, Wits: 1, Willpower: 4},
	}
}

func storyWith(t *testing.T, names ...string) *models.Story {
	t.Helper()
	s := &models.Story{ID: uuid.New()}
	for _, n := range names {
		_, err := AddCharacter(s, newCharacter(n))
		require.NoError(t, err)
	}
	return s
}

func TestApplyVitalsDelta(t *testing.T) {
	t.Run("Health and happiness are clamped", func(t *testing.T) {
		ch := newCharacter("Ada")
		ch.Vitals.Health = 95
		ch.Vitals.Happiness = 10

		ApplyVitalsDelta(&ch, models.VitalsDelta{Health: 20, Happiness: -5})

		assert.Equal(t, 100, ch.Vitals.Health)
		assert.Equal(t, 5, ch.Vitals.Happiness)
	})

	t.Run("Money never goes negative", func(t *testing.T) {
		ch := newCharacter("Ada")
		ApplyVitalsDelta(&ch, models.VitalsDelta{Money: -500})
		assert.Equal(t, 0, ch.Vitals.Money)
	})

	t.Run("Items are replaced wholesale, nil leaves them alone", func(t *testing.T) {
		ch := newCharacter("Ada")
		ApplyVitalsDelta(&ch, models.VitalsDelta{})
		assert.Equal(t, []string{"map"}, ch.Items)

		ApplyVitalsDelta(&ch, models.VitalsDelta{Items: []string{"rope", "rope", "lantern"}})
		assert.Equal(t, []string{"rope", "rope", "lantern"}, ch.Items)

		ApplyVitalsDelta(&ch, models.VitalsDelta{Items: []string{}})
		assert.Empty(t, ch.Items)
	})

	t.Run("Random delta sequences stay in range", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		ch := newCharacter("Ada")
		for i := 0; i < 1000; i++ {
			ApplyVitalsDelta(&ch, models.VitalsDelta{
				Health:    rng.Intn(81) - 40,
				Money:     rng.Intn(201) - 100,
				Happiness: rng.Intn(81) - 40,
			})
			require.GreaterOrEqual(t, ch.Vitals.Health, 0)
			require.LessOrEqual(t, ch.Vitals.Health, 100)
			require.GreaterOrEqual(t, ch.Vitals.Happiness, 0)
			require.LessOrEqual(t, ch.Vitals.Happiness, 100)
			require.GreaterOrEqual(t, ch.Vitals.Money, 0)
		}
	})

	t.Run("Skills and stat points", func(t *testing.T) {
		ch := newCharacter("Ada")
		res := ApplyVitalsDelta(&ch, models.VitalsDelta{SkillsGained: []string{"lockpicking", "lockpicking"}, StatPointsGained: 2})
		assert.False(t, res.LeveledUp)
		assert.Equal(t, []string{"lockpicking"}, ch.Skills)
		assert.Equal(t, 2, ch.UnspentStatPoints)
	})
}

func TestApplyXP(t *testing.T) {
	t.Run("One level per call even when overshooting", func(t *testing.T) {
		ch := newCharacter("Ada")
		leveled := ApplyXP(&ch, 350)
		assert.True(t, leveled)
		assert.Equal(t, 2, ch.Level)
		assert.Equal(t, 350, ch.XP)
		assert.Equal(t, 1, ch.UnspentStatPoints)

		// 350 >= 2*100, the next call levels once more
		assert.True(t, ApplyXP(&ch, 1))
		assert.Equal(t, 3, ch.Level)
	})

	t.Run("Below threshold", func(t *testing.T) {
		ch := newCharacter("Ada")
		assert.False(t, ApplyXP(&ch, 99))
		assert.Equal(t, 1, ch.Level)
	})

	t.Run("Level never decreases", func(t *testing.T) {
		ch := newCharacter("Ada")
		prev := ch.Level
		for i := 0; i < 50; i++ {
			ApplyXP(&ch, 37*i)
			require.GreaterOrEqual(t, ch.Level, prev)
			require.LessOrEqual(t, ch.Level-prev, 1)
			prev = ch.Level
		}
	})
}

func TestAllocateStatPoint(t *testing.T) {
	ch := newCharacter("Ada")
	assert.ErrorIs(t, AllocateStatPoint(&ch, models.StatWits), models.ErrNoStatPoints)

	ch.UnspentStatPoints = 1
	assert.ErrorIs(t, AllocateStatPoint(&ch, models.StatName("luck")), models.ErrUnknownStat)
	require.NoError(t, AllocateStatPoint(&ch, models.StatWits))
	assert.Equal(t, 2, ch.Stats.Wits)
	assert.Equal(t, 0, ch.UnspentStatPoints)
}

func TestAdjustRelationship(t *testing.T) {
	t.Run("Both edges move together and clamp", func(t *testing.T) {
		s := storyWith(t, "Ada", "Bo")
		a, b := s.Characters[0].ID, s.Characters[1].ID

		change, err := AdjustRelationship(s, a, b, 70)
		require.NoError(t, err)
		assert.Equal(t, 0, change.OldValue)
		assert.Equal(t, 70, change.NewValue)

		_, err = AdjustRelationship(s, b, a, 70)
		require.NoError(t, err)
		assert.Equal(t, 100, Relationship(s, a, b))
		assert.Equal(t, 100, Relationship(s, b, a))

		_, err = AdjustRelationship(s, a, b, -500)
		require.NoError(t, err)
		assert.Equal(t, -100, Relationship(s, a, b))
		assert.Equal(t, -100, Relationship(s, b, a))
	})

	t.Run("Missing edges are created at zero", func(t *testing.T) {
		s := storyWith(t, "Ada", "Bo")
		a, b := s.Characters[0].ID, s.Characters[1].ID
		s.Characters[0].Relationships = nil
		s.Characters[1].Relationships = nil

		_, err := AdjustRelationship(s, a, b, -15)
		require.NoError(t, err)
		assert.Equal(t, -15, Relationship(s, a, b))
		assert.Equal(t, -15, Relationship(s, b, a))
		assert.Len(t, s.Characters[0].Relationships, 1)
		assert.Len(t, s.Characters[1].Relationships, 1)
	})

	t.Run("Symmetric after random adjustments", func(t *testing.T) {
		s := storyWith(t, "Ada", "Bo", "Cy", "Di")
		rng := rand.New(rand.NewSource(11))
		for i := 0; i < 500; i++ {
			from := s.Characters[rng.Intn(4)].ID
			to := s.Characters[rng.Intn(4)].ID
			if from == to {
				continue
			}
			_, err := AdjustRelationship(s, from, to, rng.Intn(61)-30)
			require.NoError(t, err)
		}
		for _, x := range s.Characters {
			for _, y := range s.Characters {
				if x.ID == y.ID {
					continue
				}
				v := Relationship(s, x.ID, y.ID)
				assert.Equal(t, v, Relationship(s, y.ID, x.ID))
				assert.GreaterOrEqual(t, v, -100)
				assert.LessOrEqual(t, v, 100)
			}
		}
	})

	t.Run("Unknown ids and self edges are rejected", func(t *testing.T) {
		s := storyWith(t, "Ada")
		a := s.Characters[0].ID
		_, err := AdjustRelationship(s, a, uuid.New(), 5)
		assert.ErrorIs(t, err, models.ErrCharacterNotFound)
		_, err = AdjustRelationship(s, a, a, 5)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestCastChanges(t *testing.T) {
	s := storyWith(t, "Ada", "Bo")
	cy, err := AddCharacter(s, newCharacter("Cy"))
	require.NoError(t, err)

	assert.Len(t, cy.Relationships, 2)
	for _, ch := range s.Characters[:2] {
		edge := ch.RelationshipTo(s.Characters[2].ID)
		require.NotNil(t, edge)
		assert.Equal(t, 0, edge.Value)
	}

	require.NoError(t, RemoveCharacter(s, s.Characters[2].ID))
	require.Len(t, s.Characters, 2)
	for _, ch := range s.Characters {
		assert.Len(t, ch.Relationships, 1, "edges to the removed character are pruned")
	}
	assert.ErrorIs(t, RemoveCharacter(s, uuid.New()), models.ErrCharacterNotFound)
}

func TestReset(t *testing.T) {
	s := storyWith(t, "Ada", "Bo")
	a, b := s.Characters[0].ID, s.Characters[1].ID
	_, err := AdjustRelationship(s, a, b, 40)
	require.NoError(t, err)

	ch := &s.Characters[0]
	ApplyVitalsDelta(ch, models.VitalsDelta{Health: -50, Items: []string{"sword"}, XPGained: 150, SkillsGained: []string{"fencing"}})
	ch.CurrentScenario = "duel"

	Reset(ch)

	assert.Equal(t, models.Vitals{Health: 80, Money: 10, Happiness: 50}, ch.Vitals)
	assert.Equal(t, []string{"map"}, ch.Items)
	assert.Equal(t, 1, ch.Level)
	assert.Zero(t, ch.XP)
	assert.Zero(t, ch.UnspentStatPoints)
	assert.Empty(t, ch.Skills)
	assert.Empty(t, ch.CurrentScenario)
	require.Len(t, ch.Relationships, 1, "edges remain")
	assert.Zero(t, ch.Relationships[0].Value)
}

func TestCrossedThreshold(t *testing.T) {
	thresholds := []int{-50, 50}

	th, ok := CrossedThreshold(45, 55, thresholds)
	assert.True(t, ok)
	assert.Equal(t, 50, th)

	_, ok = CrossedThreshold(55, 70, thresholds)
	assert.False(t, ok)

	th, ok = CrossedThreshold(-40, -50, thresholds)
	assert.True(t, ok)
	assert.Equal(t, -50, th)

	_, ok = CrossedThreshold(10, 10, thresholds)
	assert.False(t, ok)
}
