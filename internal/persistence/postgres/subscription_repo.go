package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/berea-app/berea/internal/persistence"
)

// subscriptionRepo implements persistence.SubscriptionRepo for PostgreSQL.
type subscriptionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSubscriptionRepo creates a PostgreSQL subscription repository.
func NewSubscriptionRepo(db *sqlx.DB, timeout time.Duration) persistence.SubscriptionRepo {
	return &subscriptionRepo{db: db, timeout: timeout}
}

const subColumns = `id, user_id, external_ref, plan, status, current_period_end, created_at, updated_at`

func scanSubscription(row rowScanner) (*persistence.Subscription, error) {
	var s persistence.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.ExternalRef, &s.Plan, &s.Status,
		&s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByExternalRef returns the subscription for the gateway id, or nil.
func (r *subscriptionRepo) GetByExternalRef(ctx context.Context, externalRef string) (*persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE external_ref = $1`, externalRef)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

// Create inserts a Pending subscription created at checkout time.
func (r *subscriptionRepo) Create(ctx context.Context, sub persistence.Subscription) (*persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO subscriptions (id, user_id, external_ref, plan, status, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		sub.ID, sub.UserID, sub.ExternalRef, sub.Plan, sub.Status, sub.CurrentPeriodEnd).
		Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &sub, nil
}

// Apply serializes webhook processing per external_ref with a row lock, runs
// fn against the current row, persists the result, and records the audit
// event in the same transaction. A resulting metered row expires any other
// metered row of the same user, so a user holds at most one Active or
// PendingCancellation subscription.
//
// Two first-time events for the same external_ref can race past the row lock
// because there is no row to lock yet. The loser's insert trips a unique
// index; the attempt is retried once against the committed winner.
func (r *subscriptionRepo) Apply(ctx context.Context, externalRef string, audit persistence.WebhookEvent,
	fn func(cur *persistence.Subscription) (*persistence.Subscription, error)) (*persistence.Subscription, error) {

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sub, err := r.applyOnce(ctx, externalRef, audit, fn)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		sub, err = r.applyOnce(ctx, externalRef, audit, fn)
	}
	return sub, err
}

func (r *subscriptionRepo) applyOnce(ctx context.Context, externalRef string, audit persistence.WebhookEvent,
	fn func(cur *persistence.Subscription) (*persistence.Subscription, error)) (*persistence.Subscription, error) {

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin webhook transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowxContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE external_ref = $1 FOR UPDATE`,
		externalRef)
	cur, err := scanSubscription(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	result := cur
	if next != nil {
		if next.Status.Metered() {
			if _, err := tx.ExecContext(ctx, `
				UPDATE subscriptions
				SET status = 'expired', updated_at = now()
				WHERE user_id = $1 AND external_ref <> $2
				  AND status IN ('active', 'pending_cancellation')`,
				next.UserID, externalRef); err != nil {
				return nil, fmt.Errorf("failed to supersede metered subscriptions: %w", err)
			}
		}
		if cur == nil {
			if next.ID == "" {
				next.ID = uuid.NewString()
			}
			err = tx.QueryRowxContext(ctx, `
				INSERT INTO subscriptions (id, user_id, external_ref, plan, status, current_period_end)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING created_at, updated_at`,
				next.ID, next.UserID, next.ExternalRef, next.Plan, next.Status, next.CurrentPeriodEnd).
				Scan(&next.CreatedAt, &next.UpdatedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to insert subscription: %w", err)
			}
		} else {
			err = tx.QueryRowxContext(ctx, `
				UPDATE subscriptions
				SET plan = $2, status = $3, current_period_end = $4, updated_at = now()
				WHERE external_ref = $1
				RETURNING updated_at`,
				externalRef, next.Plan, next.Status, next.CurrentPeriodEnd).
				Scan(&next.UpdatedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to update subscription: %w", err)
			}
		}
		result = next
	}

	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (id, external_ref, event, payload_hash)
		VALUES ($1, $2, $3, $4)`,
		audit.ID, audit.ExternalRef, audit.Event, audit.PayloadHash); err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit webhook transaction: %w", err)
	}
	return result, nil
}

// LatestMeteredByUser returns the newest Active/PendingCancellation
// subscription for the user, or nil.
func (r *subscriptionRepo) LatestMeteredByUser(ctx context.Context, userID string) (*persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT `+subColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'pending_cancellation')
		ORDER BY updated_at DESC
		LIMIT 1`, userID)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get metered subscription: %w", err)
	}
	return s, nil
}
