package rotation

import (
	"testing"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func participant(name string) models.Participant {
	ch := uuid.New()
	return models.Participant{UserID: uuid.New(), CharacterID: &ch, DisplayName: name}
}

func coopStory(t *testing.T, n int) *models.Story {
	t.Helper()
	s := &models.Story{ID: uuid.New(), Visibility: models.VisibilityShared}
	for i := 0; i < n; i++ {
		require.NoError(t, AddParticipant(s, participant(string(rune('A'+i)))))
	}
	return s
}

func turnIndex(s *models.Story) int { return Holder(s) }

func TestAdvance_RoundRobin(t *testing.T) {
	s := coopStory(t, 3)
	require.Equal(t, 0, turnIndex(s), "first participant starts")

	var visited []int
	for i := 0; i < 7; i++ {
		Advance(s)
		visited = append(visited, turnIndex(s))
	}
	assert.Equal(t, []int{1, 2, 0, 1, 2, 0, 1}, visited)
}

func TestAdvance_SingleParticipantIsNoop(t *testing.T) {
	ch := uuid.New()
	s := &models.Story{TurnCharacterID: &ch}
	Advance(s)
	require.NotNil(t, s.TurnCharacterID)
	assert.Equal(t, ch, *s.TurnCharacterID)
}

func TestAdvance_SkipsParticipantsWithoutCharacter(t *testing.T) {
	s := coopStory(t, 2)
	require.NoError(t, AddParticipant(s, models.Participant{UserID: uuid.New(), DisplayName: "lurker"}))

	Advance(s)
	assert.Equal(t, 1, turnIndex(s))
	Advance(s)
	assert.Equal(t, 0, turnIndex(s))
}

func TestRemoveParticipant(t *testing.T) {
	t.Run("Holder removed, turn passes to the same index", func(t *testing.T) {
		s := coopStory(t, 3)
		Advance(s) // turn at index 1
		next := s.Participants[2]

		require.True(t, RemoveParticipant(s, s.Participants[1].UserID))
		require.Len(t, s.Participants, 2)
		assert.Equal(t, *next.CharacterID, *s.TurnCharacterID)
	})

	t.Run("Last holder removed wraps to the start", func(t *testing.T) {
		s := coopStory(t, 3)
		Advance(s)
		Advance(s) // turn at index 2
		first := s.Participants[0]

		require.True(t, RemoveParticipant(s, s.Participants[2].UserID))
		assert.Equal(t, *first.CharacterID, *s.TurnCharacterID)
	})

	t.Run("Non-holder removed, holder keeps the turn", func(t *testing.T) {
		s := coopStory(t, 3)
		Advance(s) // index 1
		holder := *s.TurnCharacterID

		require.True(t, RemoveParticipant(s, s.Participants[0].UserID))
		assert.Equal(t, holder, *s.TurnCharacterID)
		assert.Equal(t, 0, turnIndex(s))
	})

	t.Run("Empty list halts rotation", func(t *testing.T) {
		s := coopStory(t, 1)
		require.True(t, RemoveParticipant(s, s.Participants[0].UserID))
		assert.Nil(t, s.TurnCharacterID)
	})

	t.Run("Unknown participant", func(t *testing.T) {
		s := coopStory(t, 2)
		assert.False(t, RemoveParticipant(s, uuid.New()))
	})
}

func TestCanAct(t *testing.T) {
	s := coopStory(t, 2)
	assert.True(t, CanAct(s, s.Participants[0].UserID))
	assert.False(t, CanAct(s, s.Participants[1].UserID))
	assert.False(t, CanAct(s, uuid.New()))

	owner := uuid.New()
	solo := &models.Story{OwnerID: owner}
	assert.True(t, CanAct(solo, owner))
	assert.False(t, CanAct(solo, uuid.New()))
}

func TestAddParticipantTwice(t *testing.T) {
	s := coopStory(t, 1)
	assert.ErrorIs(t, AddParticipant(s, s.Participants[0]), models.ErrAlreadyParticipant)
}

func TestBindCharacterStartsRotation(t *testing.T) {
	s := &models.Story{}
	user := uuid.New()
	require.NoError(t, AddParticipant(s, models.Participant{UserID: user}))
	assert.Nil(t, s.TurnCharacterID)

	ch := uuid.New()
	require.True(t, BindCharacter(s, user, ch))
	require.NotNil(t, s.TurnCharacterID)
	assert.Equal(t, ch, *s.TurnCharacterID)
}

func TestUnbindCharacter(t *testing.T) {
	t.Run("Holder loses the character, turn moves on", func(t *testing.T) {
		s := coopStory(t, 3)
		removed := *s.Participants[0].CharacterID
		second := *s.Participants[1].CharacterID

		UnbindCharacter(s, removed)
		assert.Nil(t, s.Participants[0].CharacterID)
		assert.Equal(t, second, *s.TurnCharacterID)
	})

	t.Run("Only participant loses the character", func(t *testing.T) {
		s := coopStory(t, 1)
		UnbindCharacter(s, *s.Participants[0].CharacterID)
		assert.Nil(t, s.TurnCharacterID)
	})

	t.Run("Solo story", func(t *testing.T) {
		ch := uuid.New()
		s := &models.Story{TurnCharacterID: &ch}
		UnbindCharacter(s, ch)
		assert.Nil(t, s.TurnCharacterID)
	})
}
