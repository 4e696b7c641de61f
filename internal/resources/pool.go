package resources

import (
	"time"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
)

// PoolSpec - параметры регенерируемого пула.
type PoolSpec struct {
	Cap      int
	Interval time.Duration
}

// Config holds pool specs and plan limits.
type Config struct {
	Tokens     PoolSpec
	Bookmarks  PoolSpec
	PlanLimits map[models.Plan]models.CreationLimit
}

// DefaultConfig returns caps of 10 tokens and 3 bookmarks.
func DefaultConfig() Config {
	return Config{
		Tokens:    PoolSpec{Cap: 10, Interval: 30 * time.Minute},
		Bookmarks: PoolSpec{Cap: 3, Interval: 8 * time.Hour},
		PlanLimits: map[models.Plan]models.CreationLimit{
			models.PlanFree:  3,
			models.PlanPlus:  10,
			models.PlanPro:   30,
			models.PlanAdmin: models.UnlimitedCreations,
		},
	}
}

// Spec returns the spec of the named pool.
func (c Config) Spec(kind models.PoolKind) (PoolSpec, bool) {
	switch kind {
	case models.PoolTokens:
		return c.Tokens, true
	case models.PoolBookmarks:
		return c.Bookmarks, true
	}
	return PoolSpec{}, false
}

// Limit returns the monthly creation limit of the plan. Unknown plans get nothing.
func (c Config) Limit(plan models.Plan) models.CreationLimit {
	if l, ok := c.PlanLimits[plan]; ok {
		return l
	}
	return 0
}

// NewAccount builds a free-tier account with full pools.
func (c Config) NewAccount(id uuid.UUID, now time.Time) *models.Account {
	return &models.Account{
		ID:          id,
		Plan:        models.PlanFree,
		Tokens:      models.Pool{Balance: c.Tokens.Cap, Anchor: now},
		Bookmarks:   models.Pool{Balance: c.Bookmarks.Cap, Anchor: now},
		QuotaPeriod: models.QuotaPeriodOf(now),
		UpdatedAt:   now,
	}
}

// Regenerate is a pure function of the anchor, the interval and now. Whole
// elapsed intervals become units (never above the cap) and the anchor moves
// forward by exactly those intervals, so calling it again with the same now
// changes nothing.
func Regenerate(p models.Pool, spec PoolSpec, now time.Time) models.Pool {
	if p.Balance >= spec.Cap || spec.Interval <= 0 || !now.After(p.Anchor) {
		return p
	}
	units := int(now.Sub(p.Anchor) / spec.Interval)
	if units <= 0 {
		return p
	}
	if missing := spec.Cap - p.Balance; units > missing {
		units = missing
	}
	return models.Pool{
		Balance: p.Balance + units,
		Anchor:  p.Anchor.Add(time.Duration(units) * spec.Interval),
	}
}

// NextUnitAt - когда регенерирует следующая единица; нулевое время, если пул полон.
func NextUnitAt(p models.Pool, spec PoolSpec) time.Time {
	if p.Balance >= spec.Cap || spec.Interval <= 0 {
		return time.Time{}
	}
	return p.Anchor.Add(spec.Interval)
}

// consume debits amount from a regenerated pool. A pool that was at cap
// restarts its regeneration clock from now.
func consume(p models.Pool, spec PoolSpec, amount int, now time.Time) (models.Pool, bool) {
	p = Regenerate(p, spec, now)
	if amount < 0 || p.Balance < amount {
		return p, false
	}
	wasAtCap := p.Balance >= spec.Cap
	p.Balance -= amount
	if wasAtCap {
		p.Anchor = now
	}
	return p, true
}

// rollQuota resets the monthly counter when the calendar month changed.
func rollQuota(acc *models.Account, now time.Time) {
	if period := models.QuotaPeriodOf(now); acc.QuotaPeriod != period {
		acc.QuotaPeriod = period
		acc.MonthlyCreations = 0
	}
}
