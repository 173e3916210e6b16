// Package ratelimit throttles repeated host-registry authentication
// failures per host_id, using Redis INCR+EXPIRE (spec.md §7 "Authentication
// ... bad bootstrap/session token ... emit auth.fail event"). A host
// guessing at another host's bootstrap token gets slowed down instead of
// hammering the store on every attempt.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter limits failed auth attempts per key using Redis INCR + EXPIRE.
type Limiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// New creates a Limiter. maxAttempt is the max failed attempts allowed per
// key within the given window.
func New(rdb *redis.Client, maxAttempt int, window time.Duration) *Limiter {
	return &Limiter{
		redis:      rdb,
		maxAttempt: maxAttempt,
		window:     window,
	}
}

// Result holds the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

// Check returns whether the given key (typically host_id) is still allowed
// to attempt authentication.
func (l *Limiter) Check(ctx context.Context, key string) (*Result, error) {
	redisKey := fmt.Sprintf("hostregistry_auth_ratelimit:%s", key)

	count, err := l.redis.Get(ctx, redisKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}

	if count >= l.maxAttempt {
		ttl, err := l.redis.TTL(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("getting TTL: %w", err)
		}
		return &Result{
			Allowed:   false,
			Remaining: 0,
			RetryAt:   time.Now().Add(ttl),
		}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: l.maxAttempt - count,
	}, nil
}

// RecordFailure records a failed authentication attempt for key.
func (l *Limiter) RecordFailure(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("hostregistry_auth_ratelimit:%s", key)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording rate limit failure: %w", err)
	}

	// Set the expiry once more on the first increment; the pipelined Expire
	// above already refreshes it on every call, this just guards the
	// uncommon race where two increments land before either Expire runs.
	if incr.Val() == 1 {
		l.redis.Expire(ctx, redisKey, l.window)
	}

	return nil
}

// Reset clears the rate limit counter for key (on successful authentication).
func (l *Limiter) Reset(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("hostregistry_auth_ratelimit:%s", key)
	return l.redis.Del(ctx, redisKey).Err()
}
