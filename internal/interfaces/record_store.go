package interfaces

import (
	"context"
	"encoding/json"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

// RecordStore is the persistent story store with live subscriptions.
//
//go:generate mockery --name RecordStore --output ./mocks --outpkg mocks --case=underscore
type RecordStore interface {
	// Subscribe streams full snapshots of the feed until ctx is done.
	// Delivery is at-least-once: the same snapshot may arrive more than once.
	Subscribe(ctx context.Context, feed models.Feed) (<-chan models.Snapshot, error)

	// Create stores a new story in the collection chosen by its visibility.
	Create(ctx context.Context, story *models.Story) error

	// Get returns models.ErrNotFound if the story does not exist in any collection.
	Get(ctx context.Context, id uuid.UUID) (*models.Story, error)

	// SetMerge merges the given top-level fields into the stored record.
	SetMerge(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage) error

	// SetMergeIf is SetMerge guarded by the stored revision.
	// Returns models.ErrRevisionConflict when the stored revision differs from expected.
	SetMergeIf(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage, expected int64) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// MakePublic copies a private record into the public collection and removes
	// the private copy.
	MakePublic(ctx context.Context, id uuid.UUID) (*models.Story, error)
}
