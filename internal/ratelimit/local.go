package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
)

// LocalLimiter is the in-process fallback used when Redis is not configured.
// Windows reset lazily on first touch after expiry, so an idle process holds
// no timers.
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	now     func() time.Time
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

// NewLocalLimiter creates an in-memory fixed-window limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		windows: make(map[string]*localWindow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AllowGeneration applies the same budgets as the Redis limiter: anonymous
// sessions get 3 per 8 hours, Standard users 10 per hour, other plans pass.
func (l *LocalLimiter) AllowGeneration(_ context.Context, p domain.Principal, plan domain.Plan) error {
	var (
		key    string
		limit  int64
		window time.Duration
	)
	switch {
	case p.Anonymous:
		key = "anon:" + p.Ref()
		limit = anonLimit
		window = anonWindow
	case plan == domain.PlanStandard:
		key = "std:" + p.Ref()
		limit = standardLimit
		window = standardWindow
	default:
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &localWindow{resetAt: now.Add(window)}
		l.windows[key] = w
	}
	if w.count >= limit {
		return apperr.RateLimited("generation rate limit exceeded",
			int(w.resetAt.Sub(now).Seconds()))
	}
	w.count++
	return nil
}
