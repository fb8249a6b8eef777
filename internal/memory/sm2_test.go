package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchedule_EaseFormula(t *testing.T) {
	cases := []struct {
		name string
		ease float64
		q    int
		want float64
	}{
		{"perfect recall raises ease", 2.5, 5, 2.6},
		{"q4 keeps ease", 2.5, 4, 2.5},
		{"q3 dips ease", 2.5, 3, 2.36},
		{"q0 floors at min ease", 1.5, 0, 1.3},
		{"rounded to two decimals", 2.36, 3, 2.22},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := Schedule(State{Ease: tc.ease, Repetitions: 20, IntervalDays: 10}, tc.q, Config{})
			assert.InDelta(t, tc.want, next.Ease, 1e-9)
		})
	}
}

func TestSchedule_FailureResets(t *testing.T) {
	next := Schedule(State{Ease: 2.5, IntervalDays: 45, Repetitions: 18}, 2, Config{})
	assert.Equal(t, 0, next.Repetitions)
	assert.Equal(t, 1, next.IntervalDays)
}

func TestSchedule_CementingPhaseStaysDaily(t *testing.T) {
	st := State{Ease: 2.5}
	for i := 0; i < dailyPhase; i++ {
		st = Schedule(st, 5, Config{})
		assert.Equal(t, 1, st.IntervalDays, "repetition %d", st.Repetitions)
	}
	assert.Equal(t, dailyPhase, st.Repetitions)
}

// Mirrors the long-run progression: fourteen daily perfect recalls, then the
// ladder opens at 3 and 7 days, a q4 falls back to interval+1, and a failure
// resets everything.
func TestSchedule_MasteryLadderProgression(t *testing.T) {
	st := State{Ease: 2.5}
	for i := 0; i < 14; i++ {
		st = Schedule(st, 5, Config{})
	}
	assert.Equal(t, 1, st.IntervalDays)

	st = Schedule(st, 5, Config{})
	assert.Equal(t, 3, st.IntervalDays, "15th perfect recall opens the ladder")

	st = Schedule(st, 5, Config{})
	assert.Equal(t, 7, st.IntervalDays, "16th climbs the ladder")

	st = Schedule(st, 4, Config{})
	assert.Equal(t, 8, st.IntervalDays, "q4 advances linearly from the current interval")

	st = Schedule(st, 2, Config{})
	assert.Equal(t, 1, st.IntervalDays)
	assert.Equal(t, 0, st.Repetitions)
}

func TestSchedule_LadderSaturates(t *testing.T) {
	st := State{Ease: 2.5, Repetitions: 14 + 30, IntervalDays: 180}
	next := Schedule(st, 5, Config{})
	assert.Equal(t, 180, next.IntervalDays, "ladder index saturates at its last rung")
}

func TestSchedule_IntervalCapped(t *testing.T) {
	next := Schedule(State{Ease: 2.5, Repetitions: 40, IntervalDays: 90}, 5, Config{MaxIntervalDays: 60})
	assert.Equal(t, 60, next.IntervalDays)
}

func TestSchedule_ConfigOverridesMinEase(t *testing.T) {
	next := Schedule(State{Ease: 1.6}, 0, Config{MinEase: 1.5})
	assert.InDelta(t, 1.5, next.Ease, 1e-9)
}
