package economy

import (
	"fmt"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

// RelationshipChange describes one applied adjustment of a mirrored pair.
type RelationshipChange struct {
	FromID   uuid.UUID
	ToID     uuid.UUID
	Delta    int
	OldValue int
	NewValue int
}

// AdjustRelationship applies delta to both directed edges between from and to.
// Missing edges are created at zero first. Both writes land in the same story
// value, so the pair is committed together or not at all.
func AdjustRelationship(story *models.Story, fromID, toID uuid.UUID, delta int) (RelationshipChange, error) {
	if fromID == toID {
		return RelationshipChange{}, fmt.Errorf("%w: self relationship %s", models.ErrInvalidInput, fromID)
	}
	from := story.Character(fromID)
	if from == nil {
		return RelationshipChange{}, fmt.Errorf("%w: %s", models.ErrCharacterNotFound, fromID)
	}
	to := story.Character(toID)
	if to == nil {
		return RelationshipChange{}, fmt.Errorf("%w: %s", models.ErrCharacterNotFound, toID)
	}

	forward := ensureEdge(from, toID)
	backward := ensureEdge(to, fromID)

	// Значения пары всегда равны; если когда-то разошлись, берём прямое ребро.
	old := forward.Value
	value := clamp(old+delta, models.MinRelationship, models.MaxRelationship)
	forward.Value = value
	backward.Value = value

	return RelationshipChange{FromID: fromID, ToID: toID, Delta: delta, OldValue: old, NewValue: value}, nil
}

// Relationship returns the value of the from→to edge (0 when absent).
func Relationship(story *models.Story, fromID, toID uuid.UUID) int {
	if ch := story.Character(fromID); ch != nil {
		if edge := ch.RelationshipTo(toID); edge != nil {
			return edge.Value
		}
	}
	return 0
}

func ensureEdge(ch *models.Character, target uuid.UUID) *models.Relationship {
	if edge := ch.RelationshipTo(target); edge != nil {
		return edge
	}
	ch.Relationships = append(ch.Relationships, models.Relationship{TargetCharacterID: target})
	return &ch.Relationships[len(ch.Relationships)-1]
}

// AddCharacter recruits a character into the cast with zero-valued edges to
// and from every existing character.
func AddCharacter(story *models.Story, ch models.Character) (*models.Character, error) {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	if story.Character(ch.ID) != nil {
		return nil, fmt.Errorf("%w: character %s already in story", models.ErrInvalidInput, ch.ID)
	}
	if ch.Level < 1 {
		ch.Level = 1
	}
	if ch.Items == nil {
		ch.Items = []string{}
	}
	if ch.Skills == nil {
		ch.Skills = []string{}
	}
	ch.Relationships = make([]models.Relationship, 0, len(story.Characters))
	for i := range story.Characters {
		other := &story.Characters[i]
		ch.Relationships = append(ch.Relationships, models.Relationship{TargetCharacterID: other.ID})
		ensureEdge(other, ch.ID).Value = 0
	}
	SnapshotDefaults(&ch)
	story.Characters = append(story.Characters, ch)
	return &story.Characters[len(story.Characters)-1], nil
}

// RemoveCharacter deletes the character and prunes every edge pointing at it.
func RemoveCharacter(story *models.Story, id uuid.UUID) error {
	idx := -1
	for i := range story.Characters {
		if story.Characters[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrCharacterNotFound, id)
	}
	story.Characters = append(story.Characters[:idx], story.Characters[idx+1:]...)
	for i := range story.Characters {
		edges := story.Characters[i].Relationships[:0]
		for _, e := range story.Characters[i].Relationships {
			if e.TargetCharacterID != id {
				edges = append(edges, e)
			}
		}
		story.Characters[i].Relationships = edges
	}
	return nil
}

// CrossedThreshold returns the first threshold that lies between old
// (exclusive) and new (inclusive) in the direction of the change.
func CrossedThreshold(old, new int, thresholds []int) (int, bool) {
	for _, t := range thresholds {
		if old < t && new >= t {
			return t, true
		}
		if old > t && new <= t {
			return t, true
		}
	}
	return 0, false
}
