// Package tokens implements the token economy: per-plan daily allocations,
// never-expiring purchased balances, and the atomic consume/refund cycle the
// generation path depends on.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
)

// Account is one (user_ref, plan) ledger row.
type Account struct {
	UserRef            string      `json:"user_ref" db:"user_ref"`
	Plan               domain.Plan `json:"plan" db:"plan"`
	DailyAvailable     int         `json:"daily_available" db:"daily_available"`
	PurchasedAvailable int         `json:"purchased_available" db:"purchased_available"`
	DailyLimit         int         `json:"daily_limit" db:"daily_limit"`
	LastReset          time.Time   `json:"last_reset" db:"last_reset"`
	ConsumedToday      int         `json:"consumed_today" db:"consumed_today"`
}

// Balance is the post-operation view returned by Consume and Refund.
type Balance struct {
	RemainingDaily     int `json:"remaining_daily"`
	RemainingPurchased int `json:"remaining_purchased"`
	DailyLimit         int `json:"daily_limit"`
}

// LimitsProvider resolves the configured daily limit for a plan.
type LimitsProvider interface {
	DailyLimitFor(plan domain.Plan) int
}

// Ledger performs atomic token accounting over user_token_accounts.
// All row mutations run inside a transaction holding a row lock, so
// consume/refund sequences on one account serialize.
type Ledger struct {
	db     *sqlx.DB
	limits LimitsProvider
	log    zerolog.Logger
	now    func() time.Time
}

// NewLedger creates a token ledger.
func NewLedger(db *sqlx.DB, limits LimitsProvider, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, limits: limits, log: log, now: func() time.Time { return time.Now().UTC() }}
}

const maxPurchaseAmount = 10000

const accountColumns = `user_ref, plan, daily_available, purchased_available, daily_limit, last_reset, consumed_today`

// GetOrCreate returns the account for (ref, plan), creating it on first use
// and applying the daily reset when the stored last_reset is from a previous
// UTC date.
func (l *Ledger) GetOrCreate(ctx context.Context, ref string, plan domain.Plan) (*Account, error) {
	if !plan.Valid() {
		return nil, apperr.InvalidPlan(fmt.Sprintf("unknown plan %q", plan))
	}
	var out *Account
	err := l.withAccountTx(ctx, ref, plan, func(tx *sqlx.Tx, acc *Account) error {
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Consume debits cost tokens. Daily allocation covers what it can; the
// purchased balance covers the deficit, so never-expiring tokens are spent
// only when the day's allocation cannot pay. consumed_today counts only the
// daily portion. Premium accounts are unmetered: Consume always succeeds and
// alters nothing.
func (l *Ledger) Consume(ctx context.Context, ref string, plan domain.Plan, cost int) (*Balance, error) {
	if cost <= 0 {
		return nil, apperr.InvalidAmount("cost must be positive")
	}
	var bal *Balance
	err := l.withAccountTx(ctx, ref, plan, func(tx *sqlx.Tx, acc *Account) error {
		if plan.Unmetered() {
			bal = balanceOf(acc)
			return nil
		}
		daily, purchased, ok := splitDeduction(acc, cost)
		if !ok {
			return apperr.InsufficientTokens(
				acc.DailyAvailable+acc.PurchasedAvailable, cost,
				nextUTCMidnight(l.now()).Format(time.RFC3339))
		}
		acc.DailyAvailable -= daily
		acc.PurchasedAvailable -= purchased
		acc.ConsumedToday += daily
		if err := writeAccount(ctx, tx, acc); err != nil {
			return err
		}
		bal = balanceOf(acc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Refund credits amount tokens back, restoring the daily portion first (up
// to what was consumed today and the daily limit) and the remainder to the
// purchased balance. Premium refunds are no-ops.
func (l *Ledger) Refund(ctx context.Context, ref string, plan domain.Plan, amount int) (*Balance, error) {
	if amount <= 0 {
		return nil, apperr.InvalidAmount("refund amount must be positive")
	}
	var bal *Balance
	err := l.withAccountTx(ctx, ref, plan, func(tx *sqlx.Tx, acc *Account) error {
		if plan.Unmetered() {
			bal = balanceOf(acc)
			return nil
		}
		daily, purchased := splitRefund(acc, amount)
		acc.DailyAvailable += daily
		acc.ConsumedToday -= daily
		acc.PurchasedAvailable += purchased
		if err := writeAccount(ctx, tx, acc); err != nil {
			return err
		}
		bal = balanceOf(acc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// AddPurchased credits purchased tokens. Purchased balances never reset.
func (l *Ledger) AddPurchased(ctx context.Context, ref string, plan domain.Plan, amount int) (*Balance, error) {
	if amount <= 0 || amount > maxPurchaseAmount {
		return nil, apperr.InvalidAmount(
			fmt.Sprintf("purchase amount must be in [1, %d]", maxPurchaseAmount))
	}
	var bal *Balance
	err := l.withAccountTx(ctx, ref, plan, func(tx *sqlx.Tx, acc *Account) error {
		acc.PurchasedAvailable += amount
		if err := writeAccount(ctx, tx, acc); err != nil {
			return err
		}
		bal = balanceOf(acc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// SyncPlanLimits aligns an account with a newly activated subscription plan:
// daily_limit and daily_available both move to the plan's limit. Called by
// the subscription reconciler so plan changes meter immediately.
func (l *Ledger) SyncPlanLimits(ctx context.Context, ref string, plan domain.Plan) error {
	limit := l.limits.DailyLimitFor(plan)
	return l.withAccountTx(ctx, ref, plan, func(tx *sqlx.Tx, acc *Account) error {
		acc.DailyLimit = limit
		acc.DailyAvailable = limit
		acc.ConsumedToday = 0
		return writeAccount(ctx, tx, acc)
	})
}

// AccountsFor returns every ledger row for a principal, highest-priority
// plan first. The plan resolver uses this for its max-wins rule.
func (l *Ledger) AccountsFor(ctx context.Context, ref string) ([]Account, error) {
	rows, err := l.db.QueryxContext(ctx, `
		SELECT `+accountColumns+`
		FROM user_token_accounts
		WHERE user_ref = $1
		ORDER BY CASE plan
			WHEN 'premium' THEN 4 WHEN 'plus' THEN 3 WHEN 'standard' THEN 2 ELSE 1
		END DESC`, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query token accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UserRef, &a.Plan, &a.DailyAvailable, &a.PurchasedAvailable,
			&a.DailyLimit, &a.LastReset, &a.ConsumedToday); err != nil {
			return nil, fmt.Errorf("failed to scan token account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordRefundOnce registers a generation attempt refund, returning false if
// the attempt was already refunded. This keys the cancellation-safe cleanup
// path so duplicate firing cannot double-credit.
func (l *Ledger) RecordRefundOnce(ctx context.Context, attemptID, ref string, amount int) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO generation_refunds (attempt_id, user_ref, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (attempt_id) DO NOTHING`, attemptID, ref, amount)
	if err != nil {
		return false, fmt.Errorf("failed to record refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read refund rows affected: %w", err)
	}
	return n > 0, nil
}

// withAccountTx locks (or creates) the account row, applies the pending
// daily reset, runs fn, and commits.
func (l *Ledger) withAccountTx(ctx context.Context, ref string, plan domain.Plan,
	fn func(tx *sqlx.Tx, acc *Account) error) error {

	if !plan.Valid() {
		return apperr.InvalidPlan(fmt.Sprintf("unknown plan %q", plan))
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now()
	acc := &Account{}
	err = tx.QueryRowxContext(ctx, `
		SELECT `+accountColumns+`
		FROM user_token_accounts
		WHERE user_ref = $1 AND plan = $2
		FOR UPDATE`, ref, plan).
		Scan(&acc.UserRef, &acc.Plan, &acc.DailyAvailable, &acc.PurchasedAvailable,
			&acc.DailyLimit, &acc.LastReset, &acc.ConsumedToday)
	if errors.Is(err, sql.ErrNoRows) {
		limit := l.limits.DailyLimitFor(plan)
		acc = &Account{
			UserRef:        ref,
			Plan:           plan,
			DailyAvailable: limit,
			DailyLimit:     limit,
			LastReset:      now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_token_accounts
				(user_ref, plan, daily_available, purchased_available, daily_limit, last_reset, consumed_today)
			VALUES ($1, $2, $3, 0, $4, $5, 0)`,
			ref, plan, limit, limit, now); err != nil {
			return fmt.Errorf("failed to create token account: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to lock token account: %w", err)
	} else if applyReset(acc, now) {
		if err := writeAccount(ctx, tx, acc); err != nil {
			return err
		}
		l.log.Debug().Str("user_ref", ref).Str("plan", string(plan)).
			Msg("daily token reset applied")
	}

	if err := fn(tx, acc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

func writeAccount(ctx context.Context, tx *sqlx.Tx, acc *Account) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE user_token_accounts
		SET daily_available = $3, purchased_available = $4, daily_limit = $5,
		    last_reset = $6, consumed_today = $7
		WHERE user_ref = $1 AND plan = $2`,
		acc.UserRef, acc.Plan, acc.DailyAvailable, acc.PurchasedAvailable,
		acc.DailyLimit, acc.LastReset, acc.ConsumedToday)
	if err != nil {
		return fmt.Errorf("failed to write token account: %w", err)
	}
	return nil
}

// applyReset refreshes the daily allocation when the stored last_reset is
// from an earlier UTC date. Purchased balances are never touched by reset.
// Reports whether a reset happened.
func applyReset(acc *Account, now time.Time) bool {
	if utcDate(acc.LastReset) >= utcDate(now) {
		return false
	}
	acc.DailyAvailable = acc.DailyLimit
	acc.ConsumedToday = 0
	acc.LastReset = now
	return true
}

// splitDeduction computes the daily and purchased portions of a debit. The
// daily allocation pays what it can; purchased tokens cover the deficit.
func splitDeduction(acc *Account, cost int) (daily, purchased int, ok bool) {
	if acc.DailyAvailable+acc.PurchasedAvailable < cost {
		return 0, 0, false
	}
	daily = cost
	if daily > acc.DailyAvailable {
		daily = acc.DailyAvailable
	}
	return daily, cost - daily, true
}

// splitRefund computes the inverse of splitDeduction: the daily portion is
// restored first, bounded by today's consumption and the daily limit, and
// the remainder credits the purchased balance.
func splitRefund(acc *Account, amount int) (daily, purchased int) {
	daily = amount
	if room := acc.DailyLimit - acc.DailyAvailable; daily > room {
		daily = room
	}
	if daily > acc.ConsumedToday {
		daily = acc.ConsumedToday
	}
	if daily < 0 {
		daily = 0
	}
	return daily, amount - daily
}

func balanceOf(acc *Account) *Balance {
	return &Balance{
		RemainingDaily:     acc.DailyAvailable,
		RemainingPurchased: acc.PurchasedAvailable,
		DailyLimit:         acc.DailyLimit,
	}
}

func utcDate(t time.Time) int {
	u := t.UTC()
	return u.Year()*10000 + int(u.Month())*100 + u.Day()
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
