package resources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAccounts is a copy-on-update in-memory repository.
type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]models.Account
	cfg      Config
	now      func() time.Time
	failNext error
}

func newFakeAccounts(cfg Config, now func() time.Time) *fakeAccounts {
	return &fakeAccounts{accounts: make(map[uuid.UUID]models.Account), cfg: cfg, now: now}
}

func (f *fakeAccounts) load(id uuid.UUID) models.Account {
	if acc, ok := f.accounts[id]; ok {
		return acc
	}
	return *f.cfg.NewAccount(id, f.now())
}

func (f *fakeAccounts) Get(_ context.Context, id uuid.UUID) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.load(id)
	return &acc, nil
}

func (f *fakeAccounts) Update(_ context.Context, id uuid.UUID, fn func(*models.Account) error) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	acc := f.load(id)
	if err := fn(&acc); err != nil {
		return nil, err
	}
	f.accounts[id] = acc
	out := acc
	return &out, nil
}

func (f *fakeAccounts) put(acc models.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[acc.ID] = acc
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*manager, *fakeAccounts, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	repo := newFakeAccounts(cfg, clock.Now)
	m := NewManager(repo, cfg, zap.NewNop()).(*manager)
	m.now = clock.Now
	return m, repo, clock
}

func TestRegenerate(t *testing.T) {
	spec := PoolSpec{Cap: 10, Interval: time.Hour}
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Whole intervals become units and the remainder carries over", func(t *testing.T) {
		p := Regenerate(models.Pool{Balance: 2, Anchor: anchor}, spec, anchor.Add(3*time.Hour+20*time.Minute))
		assert.Equal(t, 5, p.Balance)
		assert.Equal(t, anchor.Add(3*time.Hour), p.Anchor)
	})

	t.Run("Never exceeds the cap", func(t *testing.T) {
		p := Regenerate(models.Pool{Balance: 8, Anchor: anchor}, spec, anchor.Add(100*time.Hour))
		assert.Equal(t, 10, p.Balance)
	})

	t.Run("Idempotent for the same now", func(t *testing.T) {
		now := anchor.Add(150 * time.Minute)
		once := Regenerate(models.Pool{Balance: 0, Anchor: anchor}, spec, now)
		twice := Regenerate(once, spec, now)
		assert.Equal(t, once, twice)
	})

	t.Run("Pool above cap from credits stays untouched", func(t *testing.T) {
		in := models.Pool{Balance: 14, Anchor: anchor}
		assert.Equal(t, in, Regenerate(in, spec, anchor.Add(10*time.Hour)))
	})

	t.Run("Clock behind the anchor yields nothing", func(t *testing.T) {
		in := models.Pool{Balance: 1, Anchor: anchor}
		assert.Equal(t, in, Regenerate(in, spec, anchor.Add(-time.Hour)))
	})
}

func TestManager_Consume(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty pool rejects without mutation", func(t *testing.T) {
		m, repo, clock := newTestManager(t)
		id := uuid.New()
		repo.put(models.Account{ID: id, Plan: models.PlanFree, Tokens: models.Pool{Balance: 0, Anchor: clock.Now()}})

		ok, err := m.Consume(ctx, id, models.PoolTokens, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		acc, _ := repo.Get(ctx, id)
		assert.Equal(t, 0, acc.Tokens.Balance)
		assert.Equal(t, clock.Now(), acc.Tokens.Anchor)
	})

	t.Run("Consuming from a full pool restarts the regeneration clock", func(t *testing.T) {
		m, repo, clock := newTestManager(t)
		id := uuid.New()
		old := clock.Now().Add(-48 * time.Hour)
		repo.put(models.Account{ID: id, Plan: models.PlanFree, Tokens: models.Pool{Balance: 10, Anchor: old}})

		ok, err := m.Consume(ctx, id, models.PoolTokens, 1)
		require.NoError(t, err)
		require.True(t, ok)

		acc, _ := repo.Get(ctx, id)
		assert.Equal(t, 9, acc.Tokens.Balance)
		assert.Equal(t, clock.Now(), acc.Tokens.Anchor)

		clock.Advance(29 * time.Minute)
		view, err := m.Balance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 9, view.Tokens.Balance, "a full interval must pass from the debit")

		clock.Advance(time.Minute)
		view, err = m.Balance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10, view.Tokens.Balance)
	})

	t.Run("Consuming below cap keeps the anchor", func(t *testing.T) {
		m, repo, clock := newTestManager(t)
		id := uuid.New()
		anchor := clock.Now().Add(-10 * time.Minute)
		repo.put(models.Account{ID: id, Plan: models.PlanFree, Bookmarks: models.Pool{Balance: 2, Anchor: anchor}})

		ok, err := m.Consume(ctx, id, models.PoolBookmarks, 1)
		require.NoError(t, err)
		require.True(t, ok)

		acc, _ := repo.Get(ctx, id)
		assert.Equal(t, 1, acc.Bookmarks.Balance)
		assert.Equal(t, anchor, acc.Bookmarks.Anchor)
	})

	t.Run("Repository failure is returned", func(t *testing.T) {
		m, repo, _ := newTestManager(t)
		repo.failNext = errors.New("redis down")

		ok, err := m.Consume(ctx, uuid.New(), models.PoolTokens, 1)
		assert.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("Unknown pool", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.Consume(ctx, uuid.New(), models.PoolKind("gems"), 1)
		assert.ErrorIs(t, err, models.ErrUnknownPool)
	})

	t.Run("Concurrent consumers never overdraw", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		id := uuid.New()
		var granted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := m.Consume(ctx, id, models.PoolTokens, 1)
				if err == nil && ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(10), granted.Load())
		view, err := m.Balance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, view.Tokens.Balance)
	})
}

func TestManager_Credit(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	id := uuid.New()

	acc, err := m.Credit(ctx, id, models.PoolTokens, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, acc.Tokens.Balance, "rewards may exceed the cap")
}

func TestManager_CreationQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("Free plan stops at its limit", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		id := uuid.New()
		for i := 0; i < 3; i++ {
			ok, err := m.CanCreate(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, m.RecordCreation(ctx, id))
		}
		ok, err := m.CanCreate(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Counter resets on the month boundary", func(t *testing.T) {
		m, repo, clock := newTestManager(t)
		id := uuid.New()
		repo.put(models.Account{ID: id, Plan: models.PlanFree, MonthlyCreations: 3, QuotaPeriod: models.QuotaPeriodOf(clock.Now())})

		ok, _ := m.CanCreate(ctx, id)
		assert.False(t, ok)

		clock.Advance(20 * 24 * time.Hour)
		ok, err := m.CanCreate(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, m.RecordCreation(ctx, id))
		acc, _ := repo.Get(ctx, id)
		assert.Equal(t, 1, acc.MonthlyCreations)
		assert.Equal(t, "2026-04", acc.QuotaPeriod)
	})

	t.Run("Admin plan is unlimited", func(t *testing.T) {
		m, repo, clock := newTestManager(t)
		id := uuid.New()
		repo.put(models.Account{ID: id, Plan: models.PlanAdmin, MonthlyCreations: 1 << 30, QuotaPeriod: models.QuotaPeriodOf(clock.Now())})

		ok, err := m.CanCreate(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Unknown plan is rejected", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.SetPlan(ctx, uuid.New(), models.Plan("platinum"))
		assert.ErrorIs(t, err, models.ErrUnknownPlan)
	})
}
