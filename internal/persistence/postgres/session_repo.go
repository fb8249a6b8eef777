package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/berea-app/berea/internal/persistence"
)

const anonSessionTTL = 24 * time.Hour

// sessionRepo implements persistence.SessionRepo for PostgreSQL.
type sessionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSessionRepo creates a PostgreSQL anonymous-session repository.
func NewSessionRepo(db *sqlx.DB, timeout time.Duration) persistence.SessionRepo {
	return &sessionRepo{db: db, timeout: timeout}
}

// Create issues a new 24h anonymous session.
func (r *sessionRepo) Create(ctx context.Context, deviceFpHash *string) (*persistence.AnonymousSession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	s := persistence.AnonymousSession{
		ID:           uuid.NewString(),
		DeviceFpHash: deviceFpHash,
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO anonymous_sessions (id, device_fp_hash, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		RETURNING created_at, expires_at`,
		s.ID, s.DeviceFpHash, anonSessionTTL.String()).
		Scan(&s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create anonymous session: %w", err)
	}
	return &s, nil
}

// Get returns the session, or nil when absent.
func (r *sessionRepo) Get(ctx context.Context, id string) (*persistence.AnonymousSession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s persistence.AnonymousSession
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, device_fp_hash, created_at, expires_at, migrated_to
		FROM anonymous_sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.DeviceFpHash, &s.CreatedAt, &s.ExpiresAt, &s.MigratedTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get anonymous session: %w", err)
	}
	return &s, nil
}
