package resources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"
	"narrative-engine/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the per-account resource aggregate: regenerating pools and the
// monthly creation quota. Every mutation is serialized per account in-process
// and stored through the repository's atomic update.
type Manager interface {
	// Consume debits amount from the pool. Returns false without any mutation
	// when the balance is short.
	Consume(ctx context.Context, accountID uuid.UUID, kind models.PoolKind, amount int) (bool, error)
	// Credit adds amount to the pool; credits may exceed the cap.
	Credit(ctx context.Context, accountID uuid.UUID, kind models.PoolKind, amount int) (*models.Account, error)
	// Balance returns the regenerated view of the account without storing it.
	Balance(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	// CanCreate reports whether the plan allows one more story this month.
	CanCreate(ctx context.Context, accountID uuid.UUID) (bool, error)
	// RecordCreation counts one successfully created story.
	RecordCreation(ctx context.Context, accountID uuid.UUID) error
	SetPlan(ctx context.Context, accountID uuid.UUID, plan models.Plan) (*models.Account, error)
	Plan(ctx context.Context, accountID uuid.UUID) (models.Plan, error)
	Config() Config
}

type manager struct {
	repo   interfaces.AccountRepository
	cfg    Config
	locks  *utils.KeyedMutex
	now    func() time.Time
	logger *zap.Logger
}

var _ Manager = (*manager)(nil)

// errShortBalance aborts the repository update without storing anything.
var errShortBalance = errors.New("short balance")

func NewManager(repo interfaces.AccountRepository, cfg Config, logger *zap.Logger) Manager {
	return &manager{
		repo:   repo,
		cfg:    cfg,
		locks:  utils.NewKeyedMutex(),
		now:    time.Now,
		logger: logger.Named("ResourceManager"),
	}
}

func (m *manager) Config() Config { return m.cfg }

func (m *manager) Consume(ctx context.Context, accountID uuid.UUID, kind models.PoolKind, amount int) (bool, error) {
	logFields := []zap.Field{
		zap.Stringer("accountID", accountID),
		zap.String("pool", string(kind)),
		zap.Int("amount", amount),
	}
	spec, ok := m.cfg.Spec(kind)
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrUnknownPool, kind)
	}
	if amount < 0 {
		return false, fmt.Errorf("%w: negative amount %d", models.ErrInvalidInput, amount)
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	now := m.now()
	_, err := m.repo.Update(ctx, accountID, func(acc *models.Account) error {
		pool := acc.Pool(kind)
		next, ok := consume(*pool, spec, amount, now)
		if !ok {
			return errShortBalance
		}
		*pool = next
		acc.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errShortBalance) {
		m.logger.Debug("Pool balance too low, nothing debited", logFields...)
		poolOperationsTotal.WithLabelValues(string(kind), "consume", "rejected").Inc()
		return false, nil
	}
	if err != nil {
		m.logger.Error("Failed to consume from pool", append(logFields, zap.Error(err))...)
		poolOperationsTotal.WithLabelValues(string(kind), "consume", "error").Inc()
		return false, fmt.Errorf("consume %s: %w", kind, err)
	}
	m.logger.Info("Pool debited", logFields...)
	poolOperationsTotal.WithLabelValues(string(kind), "consume", "ok").Inc()
	return true, nil
}

func (m *manager) Credit(ctx context.Context, accountID uuid.UUID, kind models.PoolKind, amount int) (*models.Account, error) {
	logFields := []zap.Field{
		zap.Stringer("accountID", accountID),
		zap.String("pool", string(kind)),
		zap.Int("amount", amount),
	}
	spec, ok := m.cfg.Spec(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPool, kind)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: negative amount %d", models.ErrInvalidInput, amount)
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	now := m.now()
	acc, err := m.repo.Update(ctx, accountID, func(acc *models.Account) error {
		pool := acc.Pool(kind)
		// сначала регенерация, иначе кредит "съест" накопленное время
		next := Regenerate(*pool, spec, now)
		next.Balance += amount
		*pool = next
		acc.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to credit pool", append(logFields, zap.Error(err))...)
		poolOperationsTotal.WithLabelValues(string(kind), "credit", "error").Inc()
		return nil, fmt.Errorf("credit %s: %w", kind, err)
	}
	m.logger.Info("Pool credited", logFields...)
	poolOperationsTotal.WithLabelValues(string(kind), "credit", "ok").Inc()
	return acc, nil
}

func (m *manager) Balance(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	acc, err := m.repo.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	now := m.now()
	acc.Tokens = Regenerate(acc.Tokens, m.cfg.Tokens, now)
	acc.Bookmarks = Regenerate(acc.Bookmarks, m.cfg.Bookmarks, now)
	rollQuota(acc, now)
	return acc, nil
}

func (m *manager) CanCreate(ctx context.Context, accountID uuid.UUID) (bool, error) {
	acc, err := m.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	allowed := m.cfg.Limit(acc.Plan).Allows(acc.MonthlyCreations)
	if allowed {
		creationsTotal.WithLabelValues("allowed").Inc()
	} else {
		creationsTotal.WithLabelValues("blocked").Inc()
		m.logger.Info("Creation quota reached",
			zap.Stringer("accountID", accountID),
			zap.String("plan", string(acc.Plan)),
			zap.Int("monthlyCreations", acc.MonthlyCreations),
		)
	}
	return allowed, nil
}

func (m *manager) RecordCreation(ctx context.Context, accountID uuid.UUID) error {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	now := m.now()
	_, err := m.repo.Update(ctx, accountID, func(acc *models.Account) error {
		rollQuota(acc, now)
		acc.MonthlyCreations++
		acc.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to record story creation", zap.Stringer("accountID", accountID), zap.Error(err))
		return fmt.Errorf("record creation: %w", err)
	}
	creationsTotal.WithLabelValues("recorded").Inc()
	return nil
}

func (m *manager) SetPlan(ctx context.Context, accountID uuid.UUID, plan models.Plan) (*models.Account, error) {
	if !plan.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownPlan, plan)
	}
	unlock := m.locks.Lock(accountID)
	defer unlock()

	now := m.now()
	acc, err := m.repo.Update(ctx, accountID, func(acc *models.Account) error {
		acc.Plan = plan
		acc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set plan: %w", err)
	}
	m.logger.Info("Account plan changed", zap.Stringer("accountID", accountID), zap.String("plan", string(plan)))
	return acc, nil
}

func (m *manager) Plan(ctx context.Context, accountID uuid.UUID) (models.Plan, error) {
	acc, err := m.repo.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get account %s: %w", accountID, err)
	}
	return acc.Plan, nil
}
