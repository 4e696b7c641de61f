package database

import (
	"context"
	"sync"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

var _ interfaces.AccountRepository = (*MemoryAccountRepository)(nil)

// MemoryAccountRepository keeps accounts in process memory.
type MemoryAccountRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]models.Account
	factory  AccountFactory
	now      func() time.Time
}

func NewMemoryAccountRepository(factory AccountFactory) *MemoryAccountRepository {
	return &MemoryAccountRepository{
		accounts: make(map[uuid.UUID]models.Account),
		factory:  factory,
		now:      time.Now,
	}
}

func (r *MemoryAccountRepository) Get(_ context.Context, id uuid.UUID) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc := r.loadLocked(id)
	return &acc, nil
}

func (r *MemoryAccountRepository) Update(_ context.Context, id uuid.UUID, fn func(acc *models.Account) error) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc := r.loadLocked(id)
	if err := fn(&acc); err != nil {
		return nil, err
	}
	acc.UpdatedAt = r.now().UTC()
	r.accounts[id] = acc
	out := acc
	return &out, nil
}

func (r *MemoryAccountRepository) loadLocked(id uuid.UUID) models.Account {
	if acc, ok := r.accounts[id]; ok {
		return acc
	}
	return *r.factory(id, r.now())
}
