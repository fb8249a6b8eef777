package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/persistence"
)

// defaultGoalTarget is the reviews-per-day goal used for the bonus XP check.
const defaultGoalTarget = 5

// SubmitInput is one practice submission.
type SubmitInput struct {
	Quality    int
	Mode       domain.PracticeMode
	Confidence *int
	Accuracy   *float64
	TimeSpent  *int
	HintsUsed  int
}

// SubmitResult is the post-submission view returned to the client.
type SubmitResult struct {
	Verse          persistence.MemoryVerse `json:"verse"`
	Mastery        domain.MasteryLevel     `json:"mastery_level"`
	Goal           persistence.DailyGoal   `json:"daily_goal"`
	Streak         persistence.Streak      `json:"streak"`
	FirstGoalOfDay bool                    `json:"goal_achieved_now"`
	BonusXP        int                     `json:"bonus_xp"`
}

// Service applies practice submissions and verse management.
type Service struct {
	repo       persistence.MemoryRepo
	cfg        Config
	goalTarget int
	now        func() time.Time
	log        zerolog.Logger
}

// NewService wires the spaced-repetition service.
func NewService(repo persistence.MemoryRepo, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		cfg:        cfg,
		goalTarget: defaultGoalTarget,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With().Str("component", "memory").Logger(),
	}
}

// AddVerse registers a verse for memorization, due immediately.
func (s *Service) AddVerse(ctx context.Context, userID, reference, text string) (*persistence.MemoryVerse, error) {
	if reference == "" || text == "" {
		return nil, apperr.Validation("reference and text are required")
	}
	now := s.now()
	return s.repo.AddVerse(ctx, persistence.MemoryVerse{
		ID:           uuid.NewString(),
		UserID:       userID,
		Reference:    reference,
		Text:         text,
		EaseFactor:   2.5,
		IntervalDays: 0,
		NextReview:   now,
		MasteryLevel: domain.MasteryBeginner,
	})
}

// ListVerses returns the user's verses, optionally only those due at now.
func (s *Service) ListVerses(ctx context.Context, userID string, dueOnly bool) ([]persistence.MemoryVerse, error) {
	return s.repo.ListVerses(ctx, userID, dueOnly, s.now())
}

// Submit applies one review: scheduling, stats, mastery, goal, and streak,
// all in a single repository transaction. The verse and its stats are read
// under the repository's row lock, so the update always derives from the
// state the previous submission committed.
func (s *Service) Submit(ctx context.Context, userID, verseID string, in SubmitInput) (*SubmitResult, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}

	now := s.now()
	var updated persistence.MemoryVerse
	outcome, err := s.repo.SubmitReview(ctx, userID, verseID,
		func(verse *persistence.MemoryVerse, allStats []persistence.PracticeModeStats) (*persistence.ReviewUpdate, error) {
			next := Schedule(State{
				Ease:         verse.EaseFactor,
				IntervalDays: verse.IntervalDays,
				Repetitions:  verse.Repetitions,
			}, in.Quality, s.cfg)

			updated = *verse
			updated.EaseFactor = next.Ease
			updated.IntervalDays = next.IntervalDays
			updated.Repetitions = next.Repetitions
			updated.NextReview = now.AddDate(0, 0, next.IntervalDays)
			updated.LastReviewed = &now
			updated.TotalReviews++
			if isPerfectRecall(in) {
				updated.PerfectRecalls++
			}
			updated.PreferredMode = &in.Mode

			stats := foldModeStats(allStats, userID, verseID, in)
			updated.MasteryLevel = recomputeMastery(allStats, stats, updated.PerfectRecalls)

			return &persistence.ReviewUpdate{
				Verse: updated,
				Review: persistence.ReviewSession{
					ID:              uuid.NewString(),
					UserID:          userID,
					VerseID:         verseID,
					ReviewTime:      now,
					Quality:         in.Quality,
					Confidence:      in.Confidence,
					Accuracy:        in.Accuracy,
					Mode:            in.Mode,
					HintsUsed:       in.HintsUsed,
					PostEase:        next.Ease,
					PostInterval:    next.IntervalDays,
					PostRepetitions: next.Repetitions,
					TimeSpent:       in.TimeSpent,
				},
				Stats:      stats,
				GoalDay:    now.Truncate(24 * time.Hour),
				GoalTarget: s.goalTarget,
				Successful: in.Quality >= 3,
				Mastery:    updated.MasteryLevel,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	bonus := 0
	if outcome.FirstGoalOfDay {
		bonus = 50
		s.log.Info().Str("user_id", userID).Msg("daily goal achieved")
	}
	return &SubmitResult{
		Verse:          updated,
		Mastery:        updated.MasteryLevel,
		Goal:           outcome.Goal,
		Streak:         outcome.Streak,
		FirstGoalOfDay: outcome.FirstGoalOfDay,
		BonusXP:        bonus,
	}, nil
}

func validateSubmit(in SubmitInput) error {
	if in.Quality < 0 || in.Quality > 5 {
		return apperr.Validation("quality must be in [0, 5]")
	}
	if _, ok := domain.ParsePracticeMode(string(in.Mode)); !ok {
		return apperr.Validation(fmt.Sprintf("unknown practice mode %q", in.Mode))
	}
	if in.Confidence != nil && (*in.Confidence < 1 || *in.Confidence > 5) {
		return apperr.Validation("confidence must be in [1, 5]")
	}
	if in.Accuracy != nil && (*in.Accuracy < 0 || *in.Accuracy > 100) {
		return apperr.Validation("accuracy must be in [0, 100]")
	}
	if in.HintsUsed < 0 {
		return apperr.Validation("hints_used must be non-negative")
	}
	if in.TimeSpent != nil && *in.TimeSpent < 0 {
		return apperr.Validation("time_spent must be non-negative")
	}
	return nil
}

// isPerfectRecall counts a flawless submission: top quality and, when the
// client reports confidence, a confident one.
func isPerfectRecall(in SubmitInput) bool {
	if in.Quality != 5 || in.HintsUsed > 0 {
		return false
	}
	return in.Confidence == nil || *in.Confidence >= 4
}

// foldModeStats folds this submission into the running per-mode averages.
func foldModeStats(all []persistence.PracticeModeStats, userID, verseID string, in SubmitInput) persistence.PracticeModeStats {
	cur := persistence.PracticeModeStats{UserID: userID, VerseID: verseID, Mode: in.Mode}
	for _, st := range all {
		if st.Mode == in.Mode {
			cur = st
			break
		}
	}

	score := reviewScore(in)
	n := float64(cur.TimesPracticed)
	cur.SuccessRate = (cur.SuccessRate*n + score) / (n + 1)
	if in.TimeSpent != nil {
		if cur.AvgTimeSeconds == nil {
			cur.AvgTimeSeconds = in.TimeSpent
		} else {
			avg := int((float64(*cur.AvgTimeSeconds)*n + float64(*in.TimeSpent)) / (n + 1))
			cur.AvgTimeSeconds = &avg
		}
	}
	cur.TimesPracticed++
	return cur
}

// reviewScore maps one submission to a 0..100 success figure: the reported
// accuracy when present, otherwise pass/fail on quality.
func reviewScore(in SubmitInput) float64 {
	if in.Accuracy != nil {
		return *in.Accuracy
	}
	if in.Quality >= 3 {
		return 100
	}
	return 0
}

// recomputeMastery counts modes with success_rate >= 80 over at least five
// practices, folding in the pending stats update, and maps the (modes,
// perfect recalls) pair onto the mastery ladder.
func recomputeMastery(all []persistence.PracticeModeStats, pending persistence.PracticeModeStats, perfectRecalls int) domain.MasteryLevel {
	qualified := 0
	seen := false
	for _, st := range all {
		if st.Mode == pending.Mode {
			st = pending
			seen = true
		}
		if st.SuccessRate >= 80 && st.TimesPracticed >= 5 {
			qualified++
		}
	}
	if !seen && pending.SuccessRate >= 80 && pending.TimesPracticed >= 5 {
		qualified++
	}
	return masteryFor(qualified, perfectRecalls)
}

func masteryFor(qualifiedModes, perfectRecalls int) domain.MasteryLevel {
	switch {
	case qualifiedModes >= 8 && perfectRecalls >= 50:
		return domain.MasteryMaster
	case qualifiedModes >= 6 && perfectRecalls >= 30:
		return domain.MasteryExpert
	case qualifiedModes >= 4 && perfectRecalls >= 15:
		return domain.MasteryAdvanced
	case qualifiedModes >= 2 && perfectRecalls >= 5:
		return domain.MasteryIntermediate
	default:
		return domain.MasteryBeginner
	}
}
