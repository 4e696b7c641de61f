package interfaces

import (
	"context"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

// AccountRepository stores the per-account resource aggregate.
//
//go:generate mockery --name AccountRepository --output ./mocks --outpkg mocks --case=underscore
type AccountRepository interface {
	// Get returns the stored account or a fresh one built by the repository's
	// default factory when the account was never persisted.
	Get(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// Update runs fn on the current account and stores the result atomically.
	// If fn returns an error nothing is stored and the error is returned as is.
	Update(ctx context.Context, id uuid.UUID, fn func(acc *models.Account) error) (*models.Account, error)
}
