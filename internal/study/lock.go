package study

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes generation per fingerprint. Acquire blocks until the
// lease is held or ctx expires; the returned release is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

const (
	leasePrefix  = "lease:gen:"
	leaseTTL     = 90 * time.Second
	acquirePoll  = 250 * time.Millisecond
	releaseGrace = 5 * time.Second
)

// RedisLocker holds cluster-wide advisory leases via SET NX PX. The lease is
// tagged with a per-acquire owner token so an expired holder cannot release
// a successor's lease.
type RedisLocker struct {
	rdb redis.Cmdable
}

// NewRedisLocker wraps a Redis client.
func NewRedisLocker(rdb redis.Cmdable) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	owner := uuid.NewString()
	full := leasePrefix + key
	for {
		ok, err := r.rdb.SetNX(ctx, full, owner, leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire generation lease: %w", err)
		}
		if ok {
			return func() { r.release(full, owner) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePoll):
		}
	}
}

// releaseLua deletes the lease only if the owner token still matches. The
// check and delete run as one atomic step, so a holder whose lease already
// expired cannot remove a successor's lease.
const releaseLua = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`

// release drops the lease while we still own it. Runs on a background
// context so a cancelled request still cleans up.
func (r *RedisLocker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseGrace)
	defer cancel()
	_ = r.rdb.Eval(ctx, releaseLua, []string{key}, owner).Err()
}

// LocalLocker is the single-process fallback used when Redis is not
// configured. Leases are plain in-memory slots keyed by fingerprint.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, taken := l.held[key]
		if !taken {
			freed := make(chan struct{})
			l.held[key] = freed
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(freed)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}
