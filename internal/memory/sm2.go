// Package memory drives spaced-repetition scheduling and practice tracking
// for memorized verses.
package memory

import "math"

// State is the scheduling triple carried on a verse.
type State struct {
	Ease         float64
	IntervalDays int
	Repetitions  int
}

// Config bounds the scheduler. Zero values fall back to the defaults.
type Config struct {
	MinEase         float64
	MaxIntervalDays int
}

const (
	defaultMinEase         = 1.3
	defaultMaxIntervalDays = 180

	// dailyPhase is the cementing phase: the first fourteen successful
	// repetitions always come back the next day.
	dailyPhase = 14
)

// masteryLadder is the interval progression for perfect recalls past the
// cementing phase.
var masteryLadder = [...]int{3, 7, 14, 21, 30, 45, 60, 90, 120, 150, 180}

func (c Config) minEase() float64 {
	if c.MinEase > 0 {
		return c.MinEase
	}
	return defaultMinEase
}

func (c Config) maxInterval() int {
	if c.MaxIntervalDays > 0 {
		return c.MaxIntervalDays
	}
	return defaultMaxIntervalDays
}

// Schedule computes the next scheduling state for a review of quality
// q in [0,5]. Failures (q < 3) reset repetitions and come back tomorrow;
// the ease penalty still applies.
func Schedule(prev State, q int, cfg Config) State {
	shortfall := float64(5 - q)
	ease := prev.Ease + (0.1 - shortfall*(0.08+shortfall*0.02))
	ease = math.Round(ease*100) / 100
	if ease < cfg.minEase() {
		ease = cfg.minEase()
	}

	next := State{Ease: ease}
	if q < 3 {
		next.Repetitions = 0
		next.IntervalDays = 1
		return next
	}

	next.Repetitions = prev.Repetitions + 1
	switch {
	case next.Repetitions <= dailyPhase:
		next.IntervalDays = 1
	case q == 5:
		idx := next.Repetitions - dailyPhase
		if idx > len(masteryLadder) {
			idx = len(masteryLadder)
		}
		next.IntervalDays = masteryLadder[idx-1]
	default:
		next.IntervalDays = prev.IntervalDays + 1
	}

	if next.IntervalDays > cfg.maxInterval() {
		next.IntervalDays = cfg.maxInterval()
	}
	return next
}
