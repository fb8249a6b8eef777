package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/persistence"
)

const pqUniqueViolation = "23505"

// contentRepo implements persistence.ContentRepo for PostgreSQL.
type contentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewContentRepo creates a PostgreSQL content repository.
func NewContentRepo(db *sqlx.DB, timeout time.Duration) persistence.ContentRepo {
	return &contentRepo{db: db, timeout: timeout}
}

// Find returns the artifact for (fingerprint, language), or nil when absent.
func (r *contentRepo) Find(ctx context.Context, fp string, lang domain.Language) (*persistence.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, fingerprint, input_kind, raw_input, language, content, created_at
		FROM artifacts
		WHERE fingerprint = $1 AND language = $2`

	row := r.db.QueryRowxContext(ctx, query, fp, lang)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find artifact: %w", err)
	}
	return a, nil
}

// Insert adds an immutable artifact row. The (fingerprint, language) unique
// index linearizes concurrent inserts; losers get apperr.Conflict and must
// re-read.
func (r *contentRepo) Insert(ctx context.Context, a persistence.Artifact) (*persistence.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	contentJSON, err := json.Marshal(a.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}

	query := `
		INSERT INTO artifacts (id, fingerprint, input_kind, raw_input, language, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err = r.db.QueryRowxContext(ctx, query,
		a.ID, a.Fingerprint, a.InputKind, a.RawInput, a.Language, contentJSON).
		Scan(&a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, apperr.Conflict("artifact already exists").WithCause(err)
		}
		return nil, fmt.Errorf("failed to insert artifact: %w", err)
	}
	return &a, nil
}

// DeleteOrphan removes the artifact only when no ownership row references it.
func (r *contentRepo) DeleteOrphan(ctx context.Context, artifactID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		DELETE FROM artifacts a
		WHERE a.id = $1
		  AND NOT EXISTS (SELECT 1 FROM user_ownerships WHERE artifact_id = a.id)
		  AND NOT EXISTS (SELECT 1 FROM session_ownerships WHERE artifact_id = a.id)`

	res, err := r.db.ExecContext(ctx, query, artifactID)
	if err != nil {
		return false, fmt.Errorf("failed to delete orphan artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*persistence.Artifact, error) {
	var a persistence.Artifact
	var contentJSON []byte

	err := row.Scan(&a.ID, &a.Fingerprint, &a.InputKind, &a.RawInput,
		&a.Language, &contentJSON, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contentJSON, &a.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	return &a, nil
}
