// Package persistence declares the storage interfaces and row types shared
// by the service layer. PostgreSQL implementations live in the postgres
// subpackage.
package persistence

import (
	"context"
	"time"

	"github.com/berea-app/berea/internal/domain"
)

// Artifact is an immutable generated study guide keyed by
// (fingerprint, language). Never updated after insert.
type Artifact struct {
	ID          string               `json:"id" db:"id"`
	Fingerprint string               `json:"fingerprint" db:"fingerprint"`
	InputKind   domain.InputKind     `json:"input_kind" db:"input_kind"`
	RawInput    *string              `json:"raw_input,omitempty" db:"raw_input"`
	Language    domain.Language      `json:"language" db:"language"`
	Content     domain.StudyContent  `json:"content" db:"-"`
	CreatedAt   time.Time            `json:"created_at" db:"created_at"`
}

// Ownership associates a principal with an artifact. Exactly one of UserID
// and SessionID is set; anonymous rows expire.
type Ownership struct {
	UserID    string     `json:"user_id,omitempty" db:"user_id"`
	SessionID string     `json:"session_id,omitempty" db:"session_id"`
	ArtifactID string    `json:"artifact_id" db:"artifact_id"`
	IsSaved   bool       `json:"is_saved" db:"is_saved"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// OwnedArtifact is an ownership row joined with its artifact for listings.
type OwnedArtifact struct {
	Ownership Ownership `json:"ownership"`
	Artifact  Artifact  `json:"artifact"`
}

// ListOptions filters and pages ownership listings.
type ListOptions struct {
	SavedOnly bool
	Limit     int
	Offset    int
}

// AnonymousSession is a 24h device-scoped identity for unauthenticated use.
// Once MigratedTo is set the session is frozen.
type AnonymousSession struct {
	ID           string     `json:"id" db:"id"`
	DeviceFpHash *string    `json:"device_fp_hash,omitempty" db:"device_fp_hash"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	MigratedTo   *string    `json:"migrated_to,omitempty" db:"migrated_to"`
}

// Expired reports whether the session TTL has passed at now.
func (s AnonymousSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Frozen reports whether the session was migrated and accepts no new rows.
func (s AnonymousSession) Frozen() bool { return s.MigratedTo != nil }

// Subscription mirrors the gateway's view of a user's paid plan.
type Subscription struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	ExternalRef      string           `json:"external_ref" db:"external_ref"`
	Plan             domain.Plan      `json:"plan" db:"plan"`
	Status           domain.SubStatus `json:"status" db:"status"`
	CurrentPeriodEnd *time.Time       `json:"current_period_end,omitempty" db:"current_period_end"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// WebhookEvent is the append-only audit row for processed gateway events.
type WebhookEvent struct {
	ID          string    `json:"id" db:"id"`
	ExternalRef string    `json:"external_ref" db:"external_ref"`
	Event       string    `json:"event" db:"event"`
	PayloadHash string    `json:"payload_hash" db:"payload_hash"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// MemoryVerse is a verse under spaced-repetition review.
type MemoryVerse struct {
	ID            string               `json:"id" db:"id"`
	UserID        string               `json:"user_id" db:"user_id"`
	Reference     string               `json:"reference" db:"reference"`
	Text          string               `json:"text" db:"text"`
	EaseFactor    float64              `json:"ease_factor" db:"ease_factor"`
	IntervalDays  int                  `json:"interval_days" db:"interval_days"`
	Repetitions   int                  `json:"repetitions" db:"repetitions"`
	NextReview    time.Time            `json:"next_review" db:"next_review"`
	LastReviewed  *time.Time           `json:"last_reviewed,omitempty" db:"last_reviewed"`
	TotalReviews  int                  `json:"total_reviews" db:"total_reviews"`
	PerfectRecalls int                 `json:"perfect_recalls" db:"perfect_recalls"`
	MasteryLevel  domain.MasteryLevel  `json:"mastery_level" db:"mastery_level"`
	PreferredMode *domain.PracticeMode `json:"preferred_mode,omitempty" db:"preferred_mode"`
}

// PracticeModeStats aggregates per-mode practice outcomes for a verse.
type PracticeModeStats struct {
	UserID         string              `json:"user_id" db:"user_id"`
	VerseID        string              `json:"verse_id" db:"verse_id"`
	Mode           domain.PracticeMode `json:"mode" db:"mode"`
	TimesPracticed int                 `json:"times_practiced" db:"times_practiced"`
	SuccessRate    float64             `json:"success_rate" db:"success_rate"`
	AvgTimeSeconds *int                `json:"avg_time_seconds,omitempty" db:"avg_time_seconds"`
}

// ReviewSession is the append-only record of one practice submission.
type ReviewSession struct {
	ID              string              `json:"id" db:"id"`
	UserID          string              `json:"user_id" db:"user_id"`
	VerseID         string              `json:"verse_id" db:"verse_id"`
	ReviewTime      time.Time           `json:"review_time" db:"review_time"`
	Quality         int                 `json:"quality" db:"quality"`
	Confidence      *int                `json:"confidence,omitempty" db:"confidence"`
	Accuracy        *float64            `json:"accuracy,omitempty" db:"accuracy"`
	Mode            domain.PracticeMode `json:"mode" db:"mode"`
	HintsUsed       int                 `json:"hints_used" db:"hints_used"`
	PostEase        float64             `json:"post_ease" db:"post_ease"`
	PostInterval    int                 `json:"post_interval" db:"post_interval"`
	PostRepetitions int                 `json:"post_repetitions" db:"post_repetitions"`
	TimeSpent       *int                `json:"time_spent,omitempty" db:"time_spent"`
}

// DailyGoal tracks per-UTC-day review progress for a user.
type DailyGoal struct {
	UserID        string    `json:"user_id" db:"user_id"`
	Day           time.Time `json:"day" db:"day"`
	Reviews       int       `json:"reviews" db:"reviews"`
	Target        int       `json:"target" db:"target"`
	Achieved      bool      `json:"achieved" db:"achieved"`
	BonusXPEarned int       `json:"bonus_xp_earned" db:"bonus_xp_earned"`
}

// Streak tracks consecutive UTC days with at least one successful review.
type Streak struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Current   int       `json:"current" db:"current"`
	Longest   int       `json:"longest" db:"longest"`
	LastDay   time.Time `json:"last_day" db:"last_day"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Topic is a read-only catalog entry.
type Topic struct {
	ID          string   `json:"id" db:"id"`
	Title       string   `json:"title" db:"title"`
	Description string   `json:"description" db:"description"`
	Category    string   `json:"category" db:"category"`
	Tags        []string `json:"tags" db:"tags"`
	KeyVerses   []string `json:"key_verses" db:"key_verses"`
}

// DailyVerse is the verse of the day with per-language translations.
type DailyVerse struct {
	Date         time.Time         `json:"date" db:"date"`
	Reference    string            `json:"reference" db:"reference"`
	Translations map[string]string `json:"translations" db:"-"`
}

// Feedback is a user-submitted reaction to a guide or the product.
type Feedback struct {
	ID         string    `json:"id" db:"id"`
	ArtifactID *string   `json:"artifact_id,omitempty" db:"artifact_id"`
	UserRef    string    `json:"user_ref" db:"user_ref"`
	WasHelpful bool      `json:"was_helpful" db:"was_helpful"`
	Message    *string   `json:"message,omitempty" db:"message"`
	Category   string    `json:"category" db:"category"`
	Sentiment  *float64  `json:"sentiment,omitempty" db:"sentiment"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ContentRepo stores immutable artifacts keyed by (fingerprint, language).
type ContentRepo interface {
	// Find returns the artifact for the key, or nil when absent.
	Find(ctx context.Context, fp string, lang domain.Language) (*Artifact, error)

	// Insert adds an artifact; returns apperr.Conflict when the key exists.
	// Callers fall through to Find on conflict.
	Insert(ctx context.Context, a Artifact) (*Artifact, error)

	// DeleteOrphan removes an artifact only when no ownership row references
	// it. Returns whether a row was deleted.
	DeleteOrphan(ctx context.Context, artifactID string) (bool, error)
}

// OwnershipRepo manages principal-artifact relationships.
type OwnershipRepo interface {
	// AttachUser idempotently links a user to an artifact.
	AttachUser(ctx context.Context, userID, artifactID string, saved bool) (*Ownership, error)

	// AttachSession links an anonymous session to an artifact; on duplicate
	// the row's expiry is extended by 24h. Frozen or expired sessions are
	// rejected.
	AttachSession(ctx context.Context, sessionID, artifactID string) (*Ownership, error)

	// SetSaved flips the saved flag; apperr.NotFound when no row exists.
	SetSaved(ctx context.Context, p domain.Principal, artifactID string, saved bool) (*Ownership, error)

	// List returns owned artifacts newest-first plus the filtered total.
	List(ctx context.Context, p domain.Principal, opts ListOptions) ([]OwnedArtifact, int, error)

	// Migrate transfers every session-owned row to the user in one
	// transaction, freezes the session, and returns the row count moved.
	Migrate(ctx context.Context, sessionID, userID string) (int, error)

	// SweepExpired deletes expired anonymous ownership rows and expired
	// unmigrated sessions. Returns rows removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// SessionRepo manages anonymous sessions.
type SessionRepo interface {
	Create(ctx context.Context, deviceFpHash *string) (*AnonymousSession, error)
	Get(ctx context.Context, id string) (*AnonymousSession, error)
}

// SubscriptionRepo persists gateway subscription state. Apply serializes
// per external_ref via a row lock.
type SubscriptionRepo interface {
	// GetByExternalRef returns the subscription or nil when absent.
	GetByExternalRef(ctx context.Context, externalRef string) (*Subscription, error)

	// Create inserts a Pending subscription for a checkout.
	Create(ctx context.Context, sub Subscription) (*Subscription, error)

	// Apply runs fn under a per-external_ref row lock; fn receives the
	// current row (nil when absent) and returns the desired row, or nil for
	// no-op. When the desired row is metered, every other metered row of
	// the same user is expired in the same transaction. The audit event is
	// recorded in the same transaction.
	Apply(ctx context.Context, externalRef string, audit WebhookEvent, fn func(cur *Subscription) (*Subscription, error)) (*Subscription, error)

	// LatestMeteredByUser returns the most recent Active/PendingCancellation
	// subscription for the user, or nil.
	LatestMeteredByUser(ctx context.Context, userID string) (*Subscription, error)
}

// MemoryRepo persists spaced-repetition state. Submit-time mutations run
// inside a single transaction.
type MemoryRepo interface {
	AddVerse(ctx context.Context, v MemoryVerse) (*MemoryVerse, error)
	GetVerse(ctx context.Context, userID, verseID string) (*MemoryVerse, error)
	ListVerses(ctx context.Context, userID string, dueOnly bool, now time.Time) ([]MemoryVerse, error)

	// SubmitReview locks the verse row, reads its per-mode stats, and calls
	// fn to compute the submission's effects from that state. The returned
	// update is applied atomically together with the review append,
	// mode-stats upsert, and daily goal and streak updates. Returns
	// apperr.NotFound when the verse does not belong to the user.
	SubmitReview(ctx context.Context, userID, verseID string,
		fn func(verse *MemoryVerse, stats []PracticeModeStats) (*ReviewUpdate, error)) (*ReviewOutcome, error)

	ModeStats(ctx context.Context, userID, verseID string) ([]PracticeModeStats, error)
}

// ReviewUpdate carries the precomputed state for one submission.
type ReviewUpdate struct {
	Verse       MemoryVerse
	Review      ReviewSession
	Stats       PracticeModeStats
	GoalDay     time.Time
	GoalTarget  int
	Successful  bool
	Mastery     domain.MasteryLevel
}

// ReviewOutcome reports the post-transaction goal and streak state.
type ReviewOutcome struct {
	Goal           DailyGoal
	Streak         Streak
	FirstGoalOfDay bool
}

// CatalogRepo serves the auxiliary read models.
type CatalogRepo interface {
	ListTopics(ctx context.Context, categories []string, limit, offset int) ([]Topic, int, error)
	TopicCategories(ctx context.Context) ([]string, error)
	GetDailyVerse(ctx context.Context, date time.Time) (*DailyVerse, error)
	UpsertDailyVerse(ctx context.Context, v DailyVerse) error
	InsertFeedback(ctx context.Context, f Feedback) (*Feedback, error)
}

// Repository aggregates all persistence interfaces for wiring.
type Repository struct {
	Content       ContentRepo
	Ownership     OwnershipRepo
	Sessions      SessionRepo
	Subscriptions SubscriptionRepo
	Memory        MemoryRepo
	Catalog       CatalogRepo
}
