package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	limiter, err := NewRedisLimiter(mr.Addr(), "", limit, window)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	return limiter, mr
}

func TestRedisLimiter_AllowsUnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestRedisLimiter_DeniesOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRedisLimiter_KeysAreScopedPerActorAndAction(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	d, err := limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Exhausting actor-1's budget does not affect actor-2 or other actions.
	d, err = limiter.CheckAndConsume(ctx, "actor-2", "invite.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.CheckAndConsume(ctx, "actor-1", "member.remove")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisLimiter_WindowResets(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	d, err := limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mr.FastForward(61 * time.Second)

	d, err = limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	mr.Close()

	d, err := limiter.CheckAndConsume(ctx, "actor-1", "invite.create")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestUnlimited_AlwaysAllows(t *testing.T) {
	d, err := Unlimited{}.CheckAndConsume(context.Background(), "anyone", "anything")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
