// Package ratelimit throttles generation requests that miss the cache.
// Cache hits are free and never touch the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
)

const (
	anonLimit  = 3
	anonWindow = 8 * time.Hour

	standardLimit  = 10
	standardWindow = time.Hour
)

// Limiter is a Redis fixed-window counter keyed per principal.
type Limiter struct {
	rdb redis.Cmdable
}

// NewLimiter wraps a Redis client.
func NewLimiter(rdb redis.Cmdable) *Limiter {
	return &Limiter{rdb: rdb}
}

// AllowGeneration checks and consumes one slot of the caller's miss-path
// budget. Anonymous sessions get 3 per 8 hours; Standard users get 10 per
// hour; other plans are not throttled here. On a limit breach the slot is
// not consumed and a RateLimited error with retry-after is returned.
func (l *Limiter) AllowGeneration(ctx context.Context, p domain.Principal, plan domain.Plan) error {
	var (
		key    string
		limit  int64
		window time.Duration
	)
	switch {
	case p.Anonymous:
		key = fmt.Sprintf("rl:gen:anon:%s", p.Ref())
		limit = anonLimit
		window = anonWindow
	case plan == domain.PlanStandard:
		key = fmt.Sprintf("rl:gen:std:%s", p.Ref())
		limit = standardLimit
		window = standardWindow
	default:
		return nil
	}

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}
	if count <= limit {
		return nil
	}

	// Over the limit. Back the counter out so a later in-window request does
	// not extend the penalty, and report when the window resets.
	if err := l.rdb.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release rate limit slot: %w", err)
	}
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return apperr.RateLimited("generation rate limit exceeded", int(ttl.Seconds()))
}
