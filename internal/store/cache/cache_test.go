package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "k", payload{Name: "x", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	var got string
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestMemoryCache_EvictsExpiredOnGet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", -time.Second))

	var got string
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)

	c.mu.RLock()
	_, exists := c.items["k"]
	c.mu.RUnlock()
	assert.False(t, exists, "expired entries are dropped on read, not retained")
}

func TestMemoryCache_DeletePattern(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, UserDailyKey("u1", 7), "a", time.Minute))
	require.NoError(t, c.Set(ctx, UserDailyKey("u1", 30), "b", time.Minute))
	require.NoError(t, c.Set(ctx, UserDailyKey("u2", 7), "c", time.Minute))
	require.NoError(t, c.Set(ctx, LeaderboardKey("all", 50), "d", time.Minute))

	require.NoError(t, c.DeletePattern(ctx, UserPattern("u1")))

	var got string
	assert.ErrorIs(t, c.Get(ctx, UserDailyKey("u1", 7), &got), ErrCacheMiss)
	assert.ErrorIs(t, c.Get(ctx, UserDailyKey("u1", 30), &got), ErrCacheMiss)
	assert.NoError(t, c.Get(ctx, UserDailyKey("u2", 7), &got))
	assert.NoError(t, c.Get(ctx, LeaderboardKey("all", 50), &got))

	require.NoError(t, c.DeletePattern(ctx, LeaderboardPattern))
	assert.ErrorIs(t, c.Get(ctx, LeaderboardKey("all", 50), &got), ErrCacheMiss)
}

func TestWithCache_ComputesOnceThenServesCached(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"row"}, nil
	}

	first, err := WithCache(ctx, c, "k", time.Minute, time.Second, fetch)
	require.NoError(t, err)
	second, err := WithCache(ctx, c, "k", time.Minute, time.Second, fetch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestWithCache_ErrorNotCached(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context) (string, error) {
		calls++
		return "", assert.AnError
	}

	_, err := WithCache(ctx, c, "k", time.Minute, time.Second, failing)
	assert.ErrorIs(t, err, assert.AnError)
	_, err = WithCache(ctx, c, "k", time.Minute, time.Second, failing)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls, "failures must not be cached")
}

func TestWithCache_EmptyResultsUseShortTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) ([]string, error) {
		calls++
		return []string{}, nil
	}

	_, err := WithCache(ctx, c, "k", time.Minute, 5*time.Millisecond, fetch)
	require.NoError(t, err)
	_, err = WithCache(ctx, c, "k", time.Minute, 5*time.Millisecond, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "empty result is still cached")

	// Once the short TTL lapses the source is consulted again, so a
	// known-empty view recovers quickly after data appears.
	time.Sleep(20 * time.Millisecond)
	_, err = WithCache(ctx, c, "k", time.Minute, 5*time.Millisecond, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
