// Package ratelimit provides the rate limiter consulted before every
// mutating operation. The production implementation keeps fixed-window
// counters in Redis so limits hold across instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter checks and consumes rate limit budget for an actor performing an action.
type Limiter interface {
	CheckAndConsume(ctx context.Context, actorID, action string) (Decision, error)
}

// RedisLimiter implements Limiter with per-(actor, action) fixed windows in
// Redis. On Redis failure it fails open: a broken limiter must not take the
// API down with it.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter connects to Redis and returns a limiter allowing limit
// requests per window for each (actor, action) pair.
func NewRedisLimiter(addr, password string, limit int, window time.Duration) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "ratelimit",
	}, nil
}

// CheckAndConsume increments the window counter and decides. The first
// increment of a window sets its expiry; a denial reports the window TTL as
// the retry-after hint.
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, actorID, action string) (Decision, error) {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, actorID, action)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open so a Redis outage does not block every mutation.
		log.Warn().Err(err).Str("action", action).Msg("Rate limiter unavailable, allowing request")
		return Decision{Allowed: true}, nil
	}

	if incr.Val() > int64(l.limit) {
		retryAfter, err := l.client.TTL(ctx, key).Result()
		if err != nil || retryAfter < 0 {
			retryAfter = l.window
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true}, nil
}

// Reset clears the counter for an (actor, action) pair.
func (l *RedisLimiter) Reset(ctx context.Context, actorID, action string) error {
	return l.client.Del(ctx, fmt.Sprintf("%s:%s:%s", l.prefix, actorID, action)).Err()
}

// Close closes the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Unlimited is a Limiter that allows everything. Used in dev when no Redis
// is configured, and in tests.
type Unlimited struct{}

func (Unlimited) CheckAndConsume(ctx context.Context, actorID, action string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
