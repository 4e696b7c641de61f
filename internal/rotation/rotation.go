// Package rotation decides whose character acts next in multi-participant
// stories. Participants are ordered by join time; the turn moves strictly
// round-robin over that list.
package rotation

import (
	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

// Holder returns the index of the participant holding the turn, or -1.
func Holder(story *models.Story) int {
	if story.TurnCharacterID == nil {
		return -1
	}
	for i, p := range story.Participants {
		if p.CharacterID != nil && *p.CharacterID == *story.TurnCharacterID {
			return i
		}
	}
	return -1
}

// Advance passes the turn to the next participant in join order. Single
// participant stories keep their sole character.
func Advance(story *models.Story) {
	n := len(story.Participants)
	if n == 0 {
		return
	}
	cur := Holder(story)
	for step := 1; step <= n; step++ {
		next := story.Participants[(cur+step+n)%n]
		if next.CharacterID != nil {
			setTurn(story, next.CharacterID)
			return
		}
	}
	// никто ещё не выбрал персонажа
	story.TurnCharacterID = nil
}

// AddParticipant appends a participant. When nobody holds the turn yet and
// the newcomer has a character, the turn starts with them.
func AddParticipant(story *models.Story, p models.Participant) error {
	if story.Participant(p.UserID) >= 0 {
		return models.ErrAlreadyParticipant
	}
	story.Participants = append(story.Participants, p)
	if Holder(story) < 0 && p.CharacterID != nil {
		setTurn(story, p.CharacterID)
	}
	return nil
}

// BindCharacter attaches a character to an existing participant.
func BindCharacter(story *models.Story, userID, characterID uuid.UUID) bool {
	idx := story.Participant(userID)
	if idx < 0 {
		return false
	}
	id := characterID
	story.Participants[idx].CharacterID = &id
	if Holder(story) < 0 {
		Start(story)
	}
	return true
}

// Start gives the turn to the first participant that has a character.
func Start(story *models.Story) {
	for _, p := range story.Participants {
		if p.CharacterID != nil {
			setTurn(story, p.CharacterID)
			return
		}
	}
	story.TurnCharacterID = nil
}

// RemoveParticipant drops the participant. If they held the turn it passes to
// whoever now occupies the same index (modulo the new length). An empty list
// halts rotation.
func RemoveParticipant(story *models.Story, userID uuid.UUID) bool {
	idx := story.Participant(userID)
	if idx < 0 {
		return false
	}
	heldTurn := Holder(story) == idx
	story.Participants = append(story.Participants[:idx:idx], story.Participants[idx+1:]...)

	n := len(story.Participants)
	if n == 0 {
		story.TurnCharacterID = nil
		return true
	}
	if !heldTurn {
		return true
	}
	for step := 0; step < n; step++ {
		p := story.Participants[(idx+step)%n]
		if p.CharacterID != nil {
			setTurn(story, p.CharacterID)
			return true
		}
	}
	story.TurnCharacterID = nil
	return true
}

// UnbindCharacter detaches a character from whoever played it. If that
// participant held the turn it moves on to the next one.
func UnbindCharacter(story *models.Story, characterID uuid.UUID) {
	if !story.IsMultiParticipant() {
		if story.TurnCharacterID != nil && *story.TurnCharacterID == characterID {
			story.TurnCharacterID = nil
		}
		return
	}
	heldTurn := story.TurnCharacterID != nil && *story.TurnCharacterID == characterID
	if heldTurn {
		Advance(story)
	}
	for i := range story.Participants {
		if p := story.Participants[i].CharacterID; p != nil && *p == characterID {
			story.Participants[i].CharacterID = nil
		}
	}
	if story.TurnCharacterID != nil && *story.TurnCharacterID == characterID {
		Start(story)
	}
}

// CanAct reports whether the account may submit the next action.
func CanAct(story *models.Story, accountID uuid.UUID) bool {
	if !story.IsMultiParticipant() {
		return story.OwnerID == accountID
	}
	idx := Holder(story)
	return idx >= 0 && story.Participants[idx].UserID == accountID
}

func setTurn(story *models.Story, id *uuid.UUID) {
	v := *id
	story.TurnCharacterID = &v
}
