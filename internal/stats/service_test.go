package stats

import (
	"context"
	"testing"
	"time"

	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/cache"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"github.com/nulzo/usage-telemetry-api/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, store.Repository) {
	t.Helper()
	repo, err := sqlite.NewStorage(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	svc := NewService(repo, cache.NewMemoryCache(), config.CacheConfig{
		StatsTTL:       time.Minute,
		LeaderboardTTL: time.Minute,
		EmptyTTL:       time.Second,
	})
	return svc, repo
}

func createUser(t *testing.T, repo store.Repository, username string, private bool) *model.User {
	t.Helper()
	now := time.Now().UTC()
	user := &model.User{
		ID:          username + "-id",
		Username:    username,
		DisplayName: username,
		UserSalt:    "salt",
		IsPrivate:   private,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Users().Create(context.Background(), user))
	return user
}

func TestGetUserStats(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	user := createUser(t, repo, "walker", false)

	require.NoError(t, repo.Stats().ApplyLifetime(ctx, user.ID, store.StatsDelta{
		InputTokens: 500,
		ToolType:    model.ToolClaudeCode,
		EndedAt:     time.Now().UTC(),
	}))
	require.NoError(t, repo.Stats().ApplyDaily(ctx, user.ID, time.Now().UTC().Format("2006-01-02"), store.StatsDelta{
		InputTokens: 500,
		ToolType:    model.ToolClaudeCode,
	}))

	view, err := svc.GetUserStats(ctx, "walker", 30)
	require.NoError(t, err)
	assert.Equal(t, "walker", view.Username)
	require.NotNil(t, view.Lifetime)
	assert.Equal(t, int64(500), view.Lifetime.TotalTokens)
	require.Len(t, view.Daily, 1)
}

func TestGetUserStats_NoHistory(t *testing.T) {
	svc, repo := newTestService(t)
	createUser(t, repo, "fresh", false)

	view, err := svc.GetUserStats(context.Background(), "fresh", 30)
	require.NoError(t, err)
	assert.Nil(t, view.Lifetime)
	assert.Empty(t, view.Daily)
}

func TestGetUserStats_PrivateLooksMissing(t *testing.T) {
	svc, repo := newTestService(t)
	createUser(t, repo, "recluse", true)

	_, err := svc.GetUserStats(context.Background(), "recluse", 30)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.GetUserStats(context.Background(), "nosuchuser", 30)
	assert.ErrorIs(t, err, store.ErrNotFound,
		"private and missing users must be indistinguishable")
}

func TestLeaderboard_Periods(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	user := createUser(t, repo, "ranked", false)

	require.NoError(t, repo.Stats().ApplyLifetime(ctx, user.ID, store.StatsDelta{
		InputTokens: 100,
		ToolType:    model.ToolClaudeCode,
		EndedAt:     time.Now().UTC(),
	}))

	for _, period := range []string{"", "all", "7d", "30d"} {
		_, err := svc.Leaderboard(ctx, period, 50)
		assert.NoError(t, err, "period %q", period)
	}

	_, err := svc.Leaderboard(ctx, "1y", 50)
	assert.ErrorIs(t, err, ErrUnknownPeriod)
}

func TestLeaderboard_ServedThroughCache(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	user := createUser(t, repo, "cachedrank", false)

	require.NoError(t, repo.Stats().ApplyLifetime(ctx, user.ID, store.StatsDelta{
		InputTokens: 100,
		ToolType:    model.ToolClaudeCode,
		EndedAt:     time.Now().UTC(),
	}))

	first, err := svc.Leaderboard(ctx, "all", 50)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second write without invalidation is invisible: the cached page
	// is served until the TTL or an explicit sweep.
	require.NoError(t, repo.Stats().ApplyLifetime(ctx, user.ID, store.StatsDelta{
		InputTokens: 900,
		ToolType:    model.ToolClaudeCode,
		EndedAt:     time.Now().UTC(),
	}))

	second, err := svc.Leaderboard(ctx, "all", 50)
	require.NoError(t, err)
	assert.Equal(t, first[0].TotalTokens, second[0].TotalTokens)
}
