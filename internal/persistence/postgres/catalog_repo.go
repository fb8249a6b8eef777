package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/berea-app/berea/internal/persistence"
)

// catalogRepo implements persistence.CatalogRepo for PostgreSQL.
type catalogRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCatalogRepo creates a PostgreSQL catalog repository.
func NewCatalogRepo(db *sqlx.DB, timeout time.Duration) persistence.CatalogRepo {
	return &catalogRepo{db: db, timeout: timeout}
}

// ListTopics returns catalog topics, optionally filtered by category.
func (r *catalogRepo) ListTopics(ctx context.Context, categories []string, limit, offset int) ([]persistence.Topic, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := ""
	args := []interface{}{}
	if len(categories) > 0 {
		where = " WHERE category = ANY($1)"
		args = append(args, pq.Array(categories))
	}

	var total int
	if err := r.db.QueryRowxContext(ctx,
		"SELECT COUNT(*) FROM topics"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count topics: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, title, description, category, tags, key_verses
		FROM topics%s
		ORDER BY title
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var out []persistence.Topic
	for rows.Next() {
		var t persistence.Topic
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Category,
			pq.Array(&t.Tags), pq.Array(&t.KeyVerses)); err != nil {
			return nil, 0, fmt.Errorf("failed to scan topic: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating topics: %w", err)
	}
	return out, total, nil
}

// TopicCategories returns the distinct known categories.
func (r *catalogRepo) TopicCategories(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT DISTINCT category FROM topics ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetDailyVerse returns the verse for the UTC date, or nil.
func (r *catalogRepo) GetDailyVerse(ctx context.Context, date time.Time) (*persistence.DailyVerse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var v persistence.DailyVerse
	var translationsJSON []byte
	err := r.db.QueryRowxContext(ctx, `
		SELECT date, reference, translations FROM daily_verses WHERE date = $1::date`,
		date).Scan(&v.Date, &v.Reference, &translationsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get daily verse: %w", err)
	}
	if err := json.Unmarshal(translationsJSON, &v.Translations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal translations: %w", err)
	}
	return &v, nil
}

// UpsertDailyVerse writes the verse for a date; used by the backfill path.
func (r *catalogRepo) UpsertDailyVerse(ctx context.Context, v persistence.DailyVerse) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	translationsJSON, err := json.Marshal(v.Translations)
	if err != nil {
		return fmt.Errorf("failed to marshal translations: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO daily_verses (date, reference, translations)
		VALUES ($1::date, $2, $3)
		ON CONFLICT (date) DO UPDATE SET reference = $2, translations = $3`,
		v.Date, v.Reference, translationsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert daily verse: %w", err)
	}
	return nil
}

// InsertFeedback stores a feedback record.
func (r *catalogRepo) InsertFeedback(ctx context.Context, f persistence.Feedback) (*persistence.Feedback, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Category = strings.TrimSpace(f.Category)
	if f.Category == "" {
		f.Category = "general"
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO feedback (id, artifact_id, user_ref, was_helpful, message, category, sentiment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		f.ID, f.ArtifactID, f.UserRef, f.WasHelpful, f.Message, f.Category, f.Sentiment).
		Scan(&f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert feedback: %w", err)
	}
	return &f, nil
}
