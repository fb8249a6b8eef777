package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/persistence"
)

// memoryRepo implements persistence.MemoryRepo for PostgreSQL.
type memoryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMemoryRepo creates a PostgreSQL spaced-repetition repository.
func NewMemoryRepo(db *sqlx.DB, timeout time.Duration) persistence.MemoryRepo {
	return &memoryRepo{db: db, timeout: timeout}
}

const verseColumns = `id, user_id, reference, text, ease_factor, interval_days, repetitions,
	next_review, last_reviewed, total_reviews, perfect_recalls, mastery_level, preferred_mode`

func scanVerse(row rowScanner) (*persistence.MemoryVerse, error) {
	var v persistence.MemoryVerse
	err := row.Scan(&v.ID, &v.UserID, &v.Reference, &v.Text, &v.EaseFactor,
		&v.IntervalDays, &v.Repetitions, &v.NextReview, &v.LastReviewed,
		&v.TotalReviews, &v.PerfectRecalls, &v.MasteryLevel, &v.PreferredMode)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// AddVerse registers a verse for memorization.
func (r *memoryRepo) AddVerse(ctx context.Context, v persistence.MemoryVerse) (*persistence.MemoryVerse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO memory_verses (id, user_id, reference, text, ease_factor, mastery_level)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+verseColumns,
		v.ID, v.UserID, v.Reference, v.Text, v.EaseFactor, v.MasteryLevel).
		Scan(&v.ID, &v.UserID, &v.Reference, &v.Text, &v.EaseFactor,
			&v.IntervalDays, &v.Repetitions, &v.NextReview, &v.LastReviewed,
			&v.TotalReviews, &v.PerfectRecalls, &v.MasteryLevel, &v.PreferredMode)
	if err != nil {
		return nil, fmt.Errorf("failed to add verse: %w", err)
	}
	return &v, nil
}

// GetVerse returns the verse if it belongs to the user; apperr.NotFound
// otherwise.
func (r *memoryRepo) GetVerse(ctx context.Context, userID, verseID string) (*persistence.MemoryVerse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+verseColumns+` FROM memory_verses WHERE id = $1 AND user_id = $2`,
		verseID, userID)
	v, err := scanVerse(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("verse not found")
		}
		return nil, fmt.Errorf("failed to get verse: %w", err)
	}
	return v, nil
}

// ListVerses returns the user's verses, optionally only those due at now.
func (r *memoryRepo) ListVerses(ctx context.Context, userID string, dueOnly bool, now time.Time) ([]persistence.MemoryVerse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + verseColumns + ` FROM memory_verses WHERE user_id = $1`
	args := []interface{}{userID}
	if dueOnly {
		query += ` AND next_review <= $2`
		args = append(args, now)
	}
	query += ` ORDER BY next_review ASC`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verses: %w", err)
	}
	defer rows.Close()

	var out []persistence.MemoryVerse
	for rows.Next() {
		v, err := scanVerse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verse: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verses: %w", err)
	}
	return out, nil
}

// SubmitReview applies every side effect of one submission atomically. The
// verse row is locked before fn computes the update, so concurrent
// submissions for the same verse serialize and each one sees the counters
// the previous one committed.
func (r *memoryRepo) SubmitReview(ctx context.Context, userID, verseID string,
	fn func(verse *persistence.MemoryVerse, stats []persistence.PracticeModeStats) (*persistence.ReviewUpdate, error)) (*persistence.ReviewOutcome, error) {

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin review transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowxContext(ctx,
		`SELECT `+verseColumns+` FROM memory_verses WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		verseID, userID)
	verse, err := scanVerse(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("verse not found")
		}
		return nil, fmt.Errorf("failed to lock verse: %w", err)
	}

	stats, err := queryModeStats(ctx, tx, userID, verseID)
	if err != nil {
		return nil, err
	}

	u, err := fn(verse, stats)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_verses
		SET ease_factor = $3, interval_days = $4, repetitions = $5, next_review = $6,
		    last_reviewed = $7, total_reviews = $8, perfect_recalls = $9,
		    mastery_level = $10, preferred_mode = $11
		WHERE id = $1 AND user_id = $2`,
		u.Verse.ID, u.Verse.UserID, u.Verse.EaseFactor, u.Verse.IntervalDays,
		u.Verse.Repetitions, u.Verse.NextReview, u.Verse.LastReviewed,
		u.Verse.TotalReviews, u.Verse.PerfectRecalls, u.Verse.MasteryLevel,
		u.Verse.PreferredMode); err != nil {
		return nil, fmt.Errorf("failed to update verse: %w", err)
	}

	rv := u.Review
	if rv.ID == "" {
		rv.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO review_sessions
			(id, user_id, verse_id, review_time, quality, confidence, accuracy, mode,
			 hints_used, post_ease, post_interval, post_repetitions, time_spent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rv.ID, rv.UserID, rv.VerseID, rv.ReviewTime, rv.Quality, rv.Confidence,
		rv.Accuracy, rv.Mode, rv.HintsUsed, rv.PostEase, rv.PostInterval,
		rv.PostRepetitions, rv.TimeSpent); err != nil {
		return nil, fmt.Errorf("failed to append review session: %w", err)
	}

	st := u.Stats
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO practice_mode_stats (user_id, verse_id, mode, times_practiced, success_rate, avg_time_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, verse_id, mode)
		DO UPDATE SET times_practiced = $4, success_rate = $5, avg_time_seconds = $6`,
		st.UserID, st.VerseID, st.Mode, st.TimesPracticed, st.SuccessRate,
		st.AvgTimeSeconds); err != nil {
		return nil, fmt.Errorf("failed to upsert mode stats: %w", err)
	}

	outcome := &persistence.ReviewOutcome{}

	// Daily goal: ensure the row, lock it, then increment. The 50 XP bonus
	// lands exactly once, on the update that first reaches the target.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_goals (user_id, day, target)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, day) DO NOTHING`,
		u.Verse.UserID, u.GoalDay, u.GoalTarget); err != nil {
		return nil, fmt.Errorf("failed to ensure daily goal: %w", err)
	}
	var wasAchieved bool
	if err := tx.QueryRowxContext(ctx, `
		SELECT achieved FROM daily_goals WHERE user_id = $1 AND day = $2 FOR UPDATE`,
		u.Verse.UserID, u.GoalDay).Scan(&wasAchieved); err != nil {
		return nil, fmt.Errorf("failed to lock daily goal: %w", err)
	}
	err = tx.QueryRowxContext(ctx, `
		UPDATE daily_goals SET
			reviews = reviews + 1,
			achieved = reviews + 1 >= target,
			bonus_xp_earned = bonus_xp_earned +
				CASE WHEN NOT achieved AND reviews + 1 >= target THEN 50 ELSE 0 END
		WHERE user_id = $1 AND day = $2
		RETURNING reviews, target, achieved, bonus_xp_earned`,
		u.Verse.UserID, u.GoalDay).
		Scan(&outcome.Goal.Reviews, &outcome.Goal.Target, &outcome.Goal.Achieved,
			&outcome.Goal.BonusXPEarned)
	if err != nil {
		return nil, fmt.Errorf("failed to update daily goal: %w", err)
	}
	outcome.FirstGoalOfDay = !wasAchieved && outcome.Goal.Achieved
	outcome.Goal.UserID = u.Verse.UserID
	outcome.Goal.Day = u.GoalDay

	if u.Successful {
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO streaks (user_id, current, longest, last_day)
			VALUES ($1, 1, 1, $2::date)
			ON CONFLICT (user_id) DO UPDATE SET
				current = CASE
					WHEN streaks.last_day = $2::date THEN streaks.current
					WHEN streaks.last_day = $2::date - 1 THEN streaks.current + 1
					ELSE 1
				END,
				longest = GREATEST(streaks.longest, CASE
					WHEN streaks.last_day = $2::date THEN streaks.current
					WHEN streaks.last_day = $2::date - 1 THEN streaks.current + 1
					ELSE 1
				END),
				last_day = $2::date,
				updated_at = now()
			RETURNING current, longest, last_day, updated_at`,
			u.Verse.UserID, u.GoalDay).
			Scan(&outcome.Streak.Current, &outcome.Streak.Longest,
				&outcome.Streak.LastDay, &outcome.Streak.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to update streak: %w", err)
		}
	} else {
		err = tx.QueryRowxContext(ctx, `
			SELECT current, longest, last_day, updated_at FROM streaks WHERE user_id = $1`,
			u.Verse.UserID).
			Scan(&outcome.Streak.Current, &outcome.Streak.Longest,
				&outcome.Streak.LastDay, &outcome.Streak.UpdatedAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read streak: %w", err)
		}
	}
	outcome.Streak.UserID = u.Verse.UserID

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit review: %w", err)
	}
	return outcome, nil
}

// ModeStats returns per-mode aggregates for one verse.
func (r *memoryRepo) ModeStats(ctx context.Context, userID, verseID string) ([]persistence.PracticeModeStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return queryModeStats(ctx, r.db, userID, verseID)
}

func queryModeStats(ctx context.Context, q sqlx.QueryerContext, userID, verseID string) ([]persistence.PracticeModeStats, error) {
	rows, err := q.QueryxContext(ctx, `
		SELECT user_id, verse_id, mode, times_practiced, success_rate, avg_time_seconds
		FROM practice_mode_stats
		WHERE user_id = $1 AND verse_id = $2`, userID, verseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mode stats: %w", err)
	}
	defer rows.Close()

	var out []persistence.PracticeModeStats
	for rows.Next() {
		var s persistence.PracticeModeStats
		if err := rows.Scan(&s.UserID, &s.VerseID, &s.Mode, &s.TimesPracticed,
			&s.SuccessRate, &s.AvgTimeSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan mode stats: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mode stats: %w", err)
	}
	return out, nil
}
