package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/persistence"
)

func subRow(id, userID, ref string, plan domain.Plan, status domain.SubStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "external_ref", "plan", "status",
		"current_period_end", "created_at", "updated_at"}).
		AddRow(id, userID, ref, string(plan), string(status), nil, time.Now(), time.Now())
}

func TestSubscriptionRepo_ApplyRetriesAfterConcurrentFirstInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionRepo(db, time.Second)

	// First attempt: no row to lock, the insert loses to a concurrent first
	// event for the same external_ref.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM subscriptions WHERE external_ref`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("u1", "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()

	// Retry: the lock now sees the winner's committed row.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM subscriptions WHERE external_ref`).
		WillReturnRows(subRow("sid-1", "u1", "sub-1", domain.PlanPlus, domain.SubActive))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	result, err := repo.Apply(context.Background(), "sub-1",
		persistence.WebhookEvent{ExternalRef: "sub-1", Event: "subscription.activated", PayloadHash: "ph"},
		func(cur *persistence.Subscription) (*persistence.Subscription, error) {
			calls++
			if cur == nil {
				return &persistence.Subscription{
					UserID:      "u1",
					ExternalRef: "sub-1",
					Plan:        domain.PlanPlus,
					Status:      domain.SubActive,
				}, nil
			}
			return nil, nil
		})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "sid-1", result.ID)
	assert.Equal(t, 2, calls, "fn reruns against the winner's row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_ApplyExpiresOtherMeteredRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM subscriptions WHERE external_ref`).
		WillReturnRows(subRow("sid-2", "u1", "sub-2", domain.PlanPlus, domain.SubPending))

	// The user's prior metered subscription is expired in the same
	// transaction, before the activated row lands.
	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("u1", "sub-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Apply(context.Background(), "sub-2",
		persistence.WebhookEvent{ExternalRef: "sub-2", Event: "subscription.activated", PayloadHash: "ph"},
		func(cur *persistence.Subscription) (*persistence.Subscription, error) {
			require.NotNil(t, cur)
			updated := *cur
			updated.Status = domain.SubActive
			return &updated, nil
		})
	require.NoError(t, err)
	assert.Equal(t, domain.SubActive, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_ApplySkipsExpiryForNonMeteredResult(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM subscriptions WHERE external_ref`).
		WillReturnRows(subRow("sid-3", "u1", "sub-3", domain.PlanPlus, domain.SubActive))
	mock.ExpectQuery(`UPDATE subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Apply(context.Background(), "sub-3",
		persistence.WebhookEvent{ExternalRef: "sub-3", Event: "subscription.cancelled", PayloadHash: "ph"},
		func(cur *persistence.Subscription) (*persistence.Subscription, error) {
			updated := *cur
			updated.Status = domain.SubCancelled
			return &updated, nil
		})
	require.NoError(t, err)
	assert.Equal(t, domain.SubCancelled, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
