package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan - тарифный план аккаунта.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanPlus  Plan = "plus"
	PlanPro   Plan = "pro"
	PlanAdmin Plan = "admin"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPlus, PlanPro, PlanAdmin:
		return true
	}
	return false
}

// AboveFree reports whether the plan earns objective rewards.
func (p Plan) AboveFree() bool { return p.Valid() && p != PlanFree }

// CreationLimit is a monthly story creation limit. UnlimitedCreations never
// compares numerically, so no plan needs a "large enough" number.
type CreationLimit int

const UnlimitedCreations CreationLimit = -1

// Allows reports whether one more creation fits after used creations.
func (l CreationLimit) Allows(used int) bool {
	if l == UnlimitedCreations {
		return true
	}
	return used < int(l)
}

// PoolKind - регенерируемая валюта.
type PoolKind string

const (
	PoolTokens    PoolKind = "tokens"
	PoolBookmarks PoolKind = "bookmarks"
)

// Pool - баланс и якорь регенерации. Anchor - момент, от которого отсчитывается
// следующая единица.
type Pool struct {
	Balance int       `json:"balance"`
	Anchor  time.Time `json:"anchor"`
}

// Account - агрегат состояния аккаунта: пулы и месячная квота.
type Account struct {
	ID               uuid.UUID `json:"id"`
	Plan             Plan      `json:"plan"`
	Tokens           Pool      `json:"tokens"`
	Bookmarks        Pool      `json:"bookmarks"`
	MonthlyCreations int       `json:"monthly_creations"`
	QuotaPeriod      string    `json:"quota_period"` // YYYY-MM (UTC)
	UpdatedAt        time.Time `json:"updated_at"`
}

// Pool returns a pointer to the named pool, or nil.
func (a *Account) Pool(kind PoolKind) *Pool {
	switch kind {
	case PoolTokens:
		return &a.Tokens
	case PoolBookmarks:
		return &a.Bookmarks
	}
	return nil
}

// QuotaPeriodOf formats the calendar month used for creation accounting.
func QuotaPeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
