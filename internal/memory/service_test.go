package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/persistence"
)

type fakeMemoryRepo struct {
	verses     map[string]*persistence.MemoryVerse
	stats      []persistence.PracticeModeStats
	updates    []persistence.ReviewUpdate
	outcome    persistence.ReviewOutcome
	getCalls   int
	statsCalls int
}

func newFakeMemoryRepo() *fakeMemoryRepo {
	return &fakeMemoryRepo{verses: map[string]*persistence.MemoryVerse{}}
}

func (f *fakeMemoryRepo) AddVerse(_ context.Context, v persistence.MemoryVerse) (*persistence.MemoryVerse, error) {
	f.verses[v.ID] = &v
	return &v, nil
}

func (f *fakeMemoryRepo) GetVerse(_ context.Context, userID, verseID string) (*persistence.MemoryVerse, error) {
	f.getCalls++
	v, ok := f.verses[verseID]
	if !ok || v.UserID != userID {
		return nil, apperr.NotFound("verse not found")
	}
	c := *v
	return &c, nil
}

func (f *fakeMemoryRepo) ListVerses(_ context.Context, userID string, dueOnly bool, now time.Time) ([]persistence.MemoryVerse, error) {
	var out []persistence.MemoryVerse
	for _, v := range f.verses {
		if v.UserID != userID {
			continue
		}
		if dueOnly && v.NextReview.After(now) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

// SubmitReview mirrors the postgres contract: the verse and its stats are
// handed to fn from current repository state, and the returned update is
// written back before the outcome is reported.
func (f *fakeMemoryRepo) SubmitReview(_ context.Context, userID, verseID string,
	fn func(verse *persistence.MemoryVerse, stats []persistence.PracticeModeStats) (*persistence.ReviewUpdate, error)) (*persistence.ReviewOutcome, error) {

	v, ok := f.verses[verseID]
	if !ok || v.UserID != userID {
		return nil, apperr.NotFound("verse not found")
	}
	cur := *v
	var stats []persistence.PracticeModeStats
	for _, st := range f.stats {
		if st.UserID == userID && st.VerseID == verseID {
			stats = append(stats, st)
		}
	}

	u, err := fn(&cur, stats)
	if err != nil {
		return nil, err
	}
	f.updates = append(f.updates, *u)
	f.verses[u.Verse.ID] = &u.Verse

	replaced := false
	for i, st := range f.stats {
		if st.UserID == u.Stats.UserID && st.VerseID == u.Stats.VerseID && st.Mode == u.Stats.Mode {
			f.stats[i] = u.Stats
			replaced = true
		}
	}
	if !replaced {
		f.stats = append(f.stats, u.Stats)
	}

	out := f.outcome
	return &out, nil
}

func (f *fakeMemoryRepo) ModeStats(_ context.Context, userID, verseID string) ([]persistence.PracticeModeStats, error) {
	f.statsCalls++
	var out []persistence.PracticeModeStats
	for _, st := range f.stats {
		if st.UserID == userID && st.VerseID == verseID {
			out = append(out, st)
		}
	}
	return out, nil
}

func newTestService(repo *fakeMemoryRepo) *Service {
	svc := NewService(repo, Config{}, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return svc
}

func seedVerse(repo *fakeMemoryRepo, id, userID string) *persistence.MemoryVerse {
	v := &persistence.MemoryVerse{
		ID:           id,
		UserID:       userID,
		Reference:    "John 3:16",
		Text:         "For God so loved the world...",
		EaseFactor:   2.5,
		IntervalDays: 0,
		MasteryLevel: domain.MasteryBeginner,
	}
	repo.verses[id] = v
	return v
}

func TestSubmit_UpdatesVerseAndAppendsReview(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	svc := newTestService(repo)

	res, err := svc.Submit(context.Background(), "u1", "v1", SubmitInput{
		Quality: 5, Mode: domain.ModeFlipCard,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Verse.Repetitions)
	assert.Equal(t, 1, res.Verse.IntervalDays)
	assert.InDelta(t, 2.6, res.Verse.EaseFactor, 1e-9)
	assert.Equal(t, 1, res.Verse.TotalReviews)
	assert.Equal(t, 1, res.Verse.PerfectRecalls)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), res.Verse.NextReview)

	require.Len(t, repo.updates, 1)
	review := repo.updates[0].Review
	assert.Equal(t, 5, review.Quality)
	assert.InDelta(t, 2.6, review.PostEase, 1e-9)
	assert.Equal(t, 1, review.PostInterval)
	assert.True(t, repo.updates[0].Successful)
}

func TestSubmit_UnknownVerseIsNotFound(t *testing.T) {
	svc := newTestService(newFakeMemoryRepo())

	_, err := svc.Submit(context.Background(), "u1", "ghost", SubmitInput{Quality: 4, Mode: domain.ModeCloze})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestSubmit_OtherUsersVerseIsNotFound(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "owner")
	svc := newTestService(repo)

	_, err := svc.Submit(context.Background(), "intruder", "v1", SubmitInput{Quality: 4, Mode: domain.ModeCloze})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestSubmit_Validation(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	svc := newTestService(repo)

	confidence := 9
	accuracy := 130.0
	cases := []SubmitInput{
		{Quality: 6, Mode: domain.ModeFlipCard},
		{Quality: -1, Mode: domain.ModeFlipCard},
		{Quality: 4, Mode: "speed_run"},
		{Quality: 4, Mode: domain.ModeFlipCard, Confidence: &confidence},
		{Quality: 4, Mode: domain.ModeFlipCard, Accuracy: &accuracy},
		{Quality: 4, Mode: domain.ModeFlipCard, HintsUsed: -2},
	}
	for i, in := range cases {
		_, err := svc.Submit(context.Background(), "u1", "v1", in)
		require.Error(t, err, "case %d", i)
		assert.True(t, apperr.IsCode(err, apperr.CodeValidation), "case %d", i)
	}
}

func TestSubmit_WeightedModeStats(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	repo.stats = []persistence.PracticeModeStats{{
		UserID: "u1", VerseID: "v1", Mode: domain.ModeTypeItOut,
		TimesPracticed: 4, SuccessRate: 75,
	}}
	svc := newTestService(repo)

	accuracy := 100.0
	_, err := svc.Submit(context.Background(), "u1", "v1", SubmitInput{
		Quality: 5, Mode: domain.ModeTypeItOut, Accuracy: &accuracy,
	})
	require.NoError(t, err)

	st := repo.updates[0].Stats
	assert.Equal(t, 5, st.TimesPracticed)
	assert.InDelta(t, 80.0, st.SuccessRate, 1e-9, "(75*4 + 100) / 5")
}

func TestSubmit_SuccessiveSubmissionsCompound(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	svc := newTestService(repo)

	for i := 0; i < 2; i++ {
		_, err := svc.Submit(context.Background(), "u1", "v1", SubmitInput{
			Quality: 5, Mode: domain.ModeFlipCard,
		})
		require.NoError(t, err)
	}

	v := repo.verses["v1"]
	assert.Equal(t, 2, v.TotalReviews, "every submission lands in the counter")
	assert.Equal(t, 2, v.PerfectRecalls)
	assert.Equal(t, 2, v.Repetitions)
	require.Len(t, repo.updates, 2)
	assert.Equal(t, 2, repo.updates[1].Stats.TimesPracticed,
		"second submission folds into the stats the first one wrote")
}

func TestSubmit_ReadsStateOnlyInsideSubmission(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	svc := newTestService(repo)

	_, err := svc.Submit(context.Background(), "u1", "v1", SubmitInput{
		Quality: 4, Mode: domain.ModeCloze,
	})
	require.NoError(t, err)

	// All verse and stats state comes from the submission callback; reads
	// outside it would not see concurrent submissions.
	assert.Zero(t, repo.getCalls)
	assert.Zero(t, repo.statsCalls)
}

func TestSubmit_HintedPerfectIsNotPerfectRecall(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	svc := newTestService(repo)

	res, err := svc.Submit(context.Background(), "u1", "v1", SubmitInput{
		Quality: 5, Mode: domain.ModeFlipCard, HintsUsed: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Verse.PerfectRecalls)
}

func TestSubmit_FirstGoalOfDayAwardsBonus(t *testing.T) {
	repo := newFakeMemoryRepo()
	seedVerse(repo, "v1", "u1")
	repo.outcome = persistence.ReviewOutcome{
		Goal:           persistence.DailyGoal{Reviews: 5, Target: 5, Achieved: true},
		Streak:         persistence.Streak{Current: 3, Longest: 7},
		FirstGoalOfDay: true,
	}
	svc := newTestService(repo)

	res, err := svc.Submit(context.Background(), "u1", "v1", SubmitInput{Quality: 4, Mode: domain.ModeCloze})
	require.NoError(t, err)

	assert.True(t, res.FirstGoalOfDay)
	assert.Equal(t, 50, res.BonusXP)
	assert.Equal(t, 3, res.Streak.Current)
}

func TestMasteryThresholds(t *testing.T) {
	cases := []struct {
		modes, recalls int
		want           domain.MasteryLevel
	}{
		{0, 0, domain.MasteryBeginner},
		{1, 100, domain.MasteryBeginner},
		{2, 5, domain.MasteryIntermediate},
		{4, 15, domain.MasteryAdvanced},
		{6, 30, domain.MasteryExpert},
		{8, 50, domain.MasteryMaster},
		{8, 49, domain.MasteryExpert},
		{7, 50, domain.MasteryExpert},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, masteryFor(tc.modes, tc.recalls),
			"modes=%d recalls=%d", tc.modes, tc.recalls)
	}
}

func TestAddVerse_DueImmediately(t *testing.T) {
	repo := newFakeMemoryRepo()
	svc := newTestService(repo)

	v, err := svc.AddVerse(context.Background(), "u1", "Psalm 23:1", "The LORD is my shepherd")
	require.NoError(t, err)
	assert.Equal(t, domain.MasteryBeginner, v.MasteryLevel)
	assert.InDelta(t, 2.5, v.EaseFactor, 1e-9)

	due, err := svc.ListVerses(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestAddVerse_RequiresReferenceAndText(t *testing.T) {
	svc := newTestService(newFakeMemoryRepo())

	_, err := svc.AddVerse(context.Background(), "u1", "", "text")
	require.Error(t, err)
	_, err = svc.AddVerse(context.Background(), "u1", "ref", "")
	require.Error(t, err)
}
