package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/persistence"
)

const anonOwnershipTTL = 24 * time.Hour

// ownershipRepo implements persistence.OwnershipRepo for PostgreSQL.
type ownershipRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOwnershipRepo creates a PostgreSQL ownership repository.
func NewOwnershipRepo(db *sqlx.DB, timeout time.Duration) persistence.OwnershipRepo {
	return &ownershipRepo{db: db, timeout: timeout}
}

// AttachUser idempotently links a user to an artifact. A second attach of the
// same pair is a no-op that returns the existing row.
func (r *ownershipRepo) AttachUser(ctx context.Context, userID, artifactID string, saved bool) (*persistence.Ownership, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO user_ownerships (user_id, artifact_id, is_saved)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, artifact_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, userID, artifactID, saved); err != nil {
		return nil, fmt.Errorf("failed to attach user ownership: %w", err)
	}

	var o persistence.Ownership
	err := r.db.QueryRowxContext(ctx, `
		SELECT user_id, artifact_id, is_saved, created_at, updated_at
		FROM user_ownerships
		WHERE user_id = $1 AND artifact_id = $2`, userID, artifactID).
		Scan(&o.UserID, &o.ArtifactID, &o.IsSaved, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read user ownership: %w", err)
	}
	return &o, nil
}

// AttachSession links an anonymous session to an artifact. Frozen sessions
// (already migrated) and expired sessions are rejected; re-attaching the same
// artifact extends the row expiry by 24h.
func (r *ownershipRepo) AttachSession(ctx context.Context, sessionID, artifactID string) (*persistence.Ownership, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var expiresAt time.Time
	var migratedTo *string
	err = tx.QueryRowxContext(ctx, `
		SELECT expires_at, migrated_to FROM anonymous_sessions WHERE id = $1 FOR UPDATE`,
		sessionID).Scan(&expiresAt, &migratedTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("anonymous session not found")
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if migratedTo != nil {
		return nil, apperr.Forbidden("session has been migrated")
	}
	if time.Now().UTC().After(expiresAt) {
		return nil, apperr.SessionExpired("anonymous session has expired")
	}

	var o persistence.Ownership
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO session_ownerships (session_id, artifact_id, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (session_id, artifact_id)
		DO UPDATE SET expires_at = session_ownerships.expires_at + $3::interval
		RETURNING session_id, artifact_id, is_saved, created_at, expires_at`,
		sessionID, artifactID, anonOwnershipTTL.String()).
		Scan(&o.SessionID, &o.ArtifactID, &o.IsSaved, &o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to attach session ownership: %w", err)
	}
	o.UpdatedAt = o.CreatedAt

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session attach: %w", err)
	}
	return &o, nil
}

// SetSaved flips the saved flag on an existing ownership row.
func (r *ownershipRepo) SetSaved(ctx context.Context, p domain.Principal, artifactID string, saved bool) (*persistence.Ownership, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var o persistence.Ownership
	var err error
	if p.Anonymous {
		err = r.db.QueryRowxContext(ctx, `
			UPDATE session_ownerships SET is_saved = $3
			WHERE session_id = $1 AND artifact_id = $2
			RETURNING session_id, artifact_id, is_saved, created_at, expires_at`,
			p.ID, artifactID, saved).
			Scan(&o.SessionID, &o.ArtifactID, &o.IsSaved, &o.CreatedAt, &o.ExpiresAt)
	} else {
		err = r.db.QueryRowxContext(ctx, `
			UPDATE user_ownerships SET is_saved = $3, updated_at = now()
			WHERE user_id = $1 AND artifact_id = $2
			RETURNING user_id, artifact_id, is_saved, created_at, updated_at`,
			p.ID, artifactID, saved).
			Scan(&o.UserID, &o.ArtifactID, &o.IsSaved, &o.CreatedAt, &o.UpdatedAt)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("study guide not owned by caller")
		}
		return nil, fmt.Errorf("failed to set saved flag: %w", err)
	}
	return &o, nil
}

// List returns owned artifacts newest-first along with the filtered total.
func (r *ownershipRepo) List(ctx context.Context, p domain.Principal, opts persistence.ListOptions) ([]persistence.OwnedArtifact, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	ownTable, ownKey := "user_ownerships", "user_id"
	expiryFilter := ""
	if p.Anonymous {
		ownTable, ownKey = "session_ownerships", "session_id"
		expiryFilter = " AND o.expires_at > now()"
	}
	savedFilter := ""
	if opts.SavedOnly {
		savedFilter = " AND o.is_saved"
	}

	countQuery := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s o WHERE o.%s = $1%s%s`,
		ownTable, ownKey, expiryFilter, savedFilter)
	var total int
	if err := r.db.QueryRowxContext(ctx, countQuery, p.ID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ownerships: %w", err)
	}

	listQuery := fmt.Sprintf(`
		SELECT o.%s, o.artifact_id, o.is_saved, o.created_at,
		       a.id, a.fingerprint, a.input_kind, a.raw_input, a.language, a.content, a.created_at
		FROM %s o
		JOIN artifacts a ON a.id = o.artifact_id
		WHERE o.%s = $1%s%s
		ORDER BY o.created_at DESC
		LIMIT $2 OFFSET $3`,
		ownKey, ownTable, ownKey, expiryFilter, savedFilter)

	rows, err := r.db.QueryxContext(ctx, listQuery, p.ID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ownerships: %w", err)
	}
	defer rows.Close()

	var out []persistence.OwnedArtifact
	for rows.Next() {
		var oa persistence.OwnedArtifact
		var principalID string
		var contentJSON []byte
		err := rows.Scan(&principalID, &oa.Ownership.ArtifactID, &oa.Ownership.IsSaved,
			&oa.Ownership.CreatedAt,
			&oa.Artifact.ID, &oa.Artifact.Fingerprint, &oa.Artifact.InputKind,
			&oa.Artifact.RawInput, &oa.Artifact.Language, &contentJSON, &oa.Artifact.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ownership row: %w", err)
		}
		if p.Anonymous {
			oa.Ownership.SessionID = principalID
		} else {
			oa.Ownership.UserID = principalID
		}
		if err := unmarshalContent(contentJSON, &oa.Artifact); err != nil {
			return nil, 0, err
		}
		out = append(out, oa)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating ownership rows: %w", err)
	}
	return out, total, nil
}

// Migrate moves every session-owned row to the user and freezes the session,
// all in one transaction. Re-running after success is a no-op (the session is
// already frozen with the same target).
func (r *ownershipRepo) Migrate(ctx context.Context, sessionID, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	var migratedTo *string
	err = tx.QueryRowxContext(ctx, `
		SELECT migrated_to FROM anonymous_sessions WHERE id = $1 FOR UPDATE`,
		sessionID).Scan(&migratedTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound("anonymous session not found")
		}
		return 0, fmt.Errorf("failed to lock session: %w", err)
	}
	if migratedTo != nil {
		if *migratedTo == userID {
			return 0, tx.Commit()
		}
		return 0, apperr.Forbidden("session already migrated to another user")
	}

	// Copy rows idempotently, preserving the saved flag, then drop the
	// session-owned originals.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_ownerships (user_id, artifact_id, is_saved, created_at)
		SELECT $2, artifact_id, is_saved, created_at
		FROM session_ownerships
		WHERE session_id = $1
		ON CONFLICT (user_id, artifact_id) DO NOTHING`, sessionID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to copy ownerships: %w", err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_ownerships WHERE session_id = $1`, sessionID); err != nil {
		return 0, fmt.Errorf("failed to delete session ownerships: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE anonymous_sessions SET migrated_to = $2 WHERE id = $1`,
		sessionID, userID); err != nil {
		return 0, fmt.Errorf("failed to freeze session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration: %w", err)
	}
	return int(moved), nil
}

// SweepExpired removes expired anonymous ownership rows and expired
// unmigrated sessions. Artifacts are left in place: they are globally
// reusable.
func (r *ownershipRepo) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM session_ownerships WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep session ownerships: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = r.db.ExecContext(ctx,
		`DELETE FROM anonymous_sessions WHERE expires_at <= $1 AND migrated_to IS NULL`, now)
	if err != nil {
		return int(removed), fmt.Errorf("failed to sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(removed + n), nil
}

func unmarshalContent(raw []byte, a *persistence.Artifact) error {
	if err := json.Unmarshal(raw, &a.Content); err != nil {
		return fmt.Errorf("failed to unmarshal artifact content: %w", err)
	}
	return nil
}
