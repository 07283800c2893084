package permcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	_, ok := c.Get("a")
	require.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", 1)

	// Just before expiry the entry is still valid.
	c.now = func() time.Time { return now.Add(time.Minute - time.Nanosecond) }
	_, ok := c.Get("a")
	require.True(t, ok)

	// At the exact expiry instant the entry is already a miss.
	c.now = func() time.Time { return now.Add(time.Minute) }
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestCache_EpochBumpInvalidatesAll(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	c.Put("a", 1)
	c.Put("b", 2)

	require.Equal(t, uint64(1), c.BumpEpoch())

	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.False(t, ok)

	// New writes under the new epoch are valid.
	c.Put("a", 3)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestCache_InvalidateIsIdempotent(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	c.Put("a", 1)
	c.Invalidate("a")
	_, ok := c.Get("a")
	require.False(t, ok)

	// Second invalidation of the same key changes nothing.
	c.Invalidate("a")
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestCache_InvalidateMatching(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	c.Put("user:1:orgA", 1)
	c.Put("user:1:orgB", 2)
	c.Put("user:2:orgA", 3)

	removed := c.InvalidateMatching(func(k string) bool {
		return k[:7] == "user:1:"
	})
	require.Equal(t, 2, removed)

	_, ok := c.Get("user:2:orgA")
	require.True(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestToExpireFirst(t *testing.T) {
	c := New[string, int](time.Minute, 3)

	base := time.Now()
	for i := 0; i < 3; i++ {
		i := i
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		c.Put(fmt.Sprintf("k%d", i), i)
	}

	// Inserting a fourth entry evicts k0, the oldest to expire.
	c.now = func() time.Time { return base.Add(3 * time.Second) }
	c.Put("k3", 3)

	require.Equal(t, 3, c.Len())
	_, ok := c.Get("k0")
	require.False(t, ok)
	for _, key := range []string{"k1", "k2", "k3"} {
		_, ok := c.Get(key)
		require.True(t, ok, key)
	}
}

func TestCache_RemoveExpired(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Put("old", 1)

	c.now = func() time.Time { return now.Add(30 * time.Second) }
	c.Put("fresh", 2)

	c.now = func() time.Time { return now.Add(61 * time.Second) }
	removed := c.RemoveExpired()
	require.Equal(t, 1, removed)
	require.Equal(t, 1, c.Len())

	_, ok := c.Get("fresh")
	require.True(t, ok)
}

func TestCache_RemoveExpiredSweepsStaleEpochs(t *testing.T) {
	c := New[string, int](time.Minute, 10)

	c.Put("a", 1)
	c.BumpEpoch()
	require.Equal(t, 1, c.Len())

	removed := c.RemoveExpired()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, c.Len())
}

func TestCache_JanitorStopsOnCancel(t *testing.T) {
	c := New[string, int](time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Janitor(ctx, time.Millisecond)
		close(done)
	}()

	c.Put("a", 1)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}
