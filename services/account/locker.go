package account

import (
	"context"

	"taskcenter/pkg/config"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AcquireResult int

const (
	Denied AcquireResult = iota
	Granted
)

func (r AcquireResult) String() string {
	if r == Granted {
		return "granted"
	}
	return "denied"
}

// using is a reserved word in most dialects, so it is always referenced as a quoted column.
var usingColumn = clause.Column{Name: "using"}

// Locker hands out per-account usage slots. Every change to Account.Using is a single
// conditional UPDATE, so concurrent callers can never push it past the cap or below zero.
type Locker struct {
	db    *gorm.DB
	limit int
}

func NewLocker(db *gorm.DB, cfg *config.Config) *Locker {
	limit := config.DefaultAccountConcurrency
	if cfg != nil && cfg.Scheduler.AccountConcurrency > 0 {
		limit = cfg.Scheduler.AccountConcurrency
	}
	return &Locker{db: db, limit: limit}
}

// WithTx returns a Locker bound to tx.
func (l *Locker) WithTx(tx *gorm.DB) *Locker {
	return &Locker{db: tx, limit: l.limit}
}

func (l *Locker) Cap() int { return l.limit }

// TryAcquire takes one slot on a valid account. A denial is not an error; the caller
// decides whether to defer.
func (l *Locker) TryAcquire(ctx context.Context, accountID int64) (AcquireResult, error) {
	if l == nil || l.db == nil {
		return Denied, gorm.ErrInvalidDB
	}

	res := l.db.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND status = ?", accountID, StatusValid).
		Where(clause.Lt{Column: usingColumn, Value: l.limit}).
		Update("using", gorm.Expr("? + 1", usingColumn))
	if res.Error != nil {
		return Denied, res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Debug("[Locker] account busy or unavailable", zap.Int64("account_id", accountID))
		return Denied, nil
	}
	return Granted, nil
}

// Release gives back one slot. Releasing an idle account is a no-op.
func (l *Locker) Release(ctx context.Context, accountID int64) error {
	if l == nil || l.db == nil {
		return gorm.ErrInvalidDB
	}

	res := l.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Where(clause.Gt{Column: usingColumn, Value: 0}).
		Update("using", gorm.Expr("? - 1", usingColumn))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("[Locker] release on idle account", zap.Int64("account_id", accountID))
	}
	return nil
}
