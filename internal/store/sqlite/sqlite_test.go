package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := NewStorage(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestUser(t *testing.T, repo store.Repository, username string) *model.User {
	t.Helper()
	now := time.Now().UTC()
	user := &model.User{
		ID:          username + "-id",
		Username:    username,
		DisplayName: username,
		UserSalt:    "salt-" + username,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Users().Create(context.Background(), user))
	return user
}

func TestUserRepo_DuplicateUsername(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	newTestUser(t, repo, "alice")

	dup := &model.User{
		ID:       "other-id",
		Username: "alice",
		UserSalt: "other-salt",
	}
	err := repo.Users().Create(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestUserRepo_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Users().GetByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionRepo_DuplicateHash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	user := newTestUser(t, repo, "bob")

	session := &model.Session{
		ID:          "s1",
		UserID:      user.ID,
		ToolType:    model.ToolClaudeCode,
		SessionHash: "hash-1",
		EndedAt:     time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Sessions().Insert(ctx, session))

	session.ID = "s2"
	err := repo.Sessions().Insert(ctx, session)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	exists, err := repo.Sessions().ExistsByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionRepo_LatestEndedAt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	user := newTestUser(t, repo, "carol")

	_, err := repo.Sessions().LatestEndedAt(ctx, user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	older := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	for i, endedAt := range []time.Time{newer, older} {
		s := &model.Session{
			ID:          string(rune('a' + i)),
			UserID:      user.ID,
			ToolType:    model.ToolClaudeCode,
			SessionHash: "hash-" + string(rune('a'+i)),
			EndedAt:     endedAt,
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, repo.Sessions().Insert(ctx, s))
	}

	latest, err := repo.Sessions().LatestEndedAt(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, latest.Equal(newer), "expected %v, got %v", newer, latest)
}

func TestStatsRepo_ApplyDailyIncrements(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	user := newTestUser(t, repo, "dave")

	delta := store.StatsDelta{
		InputTokens:     100,
		OutputTokens:    50,
		CacheReadTokens: 25,
		DurationSeconds: 60,
		ToolType:        model.ToolClaudeCode,
		EndedAt:         time.Now().UTC(),
	}

	// Two submissions for the same day must sum, not overwrite.
	require.NoError(t, repo.Stats().ApplyDaily(ctx, user.ID, "2026-08-23", delta))
	require.NoError(t, repo.Stats().ApplyDaily(ctx, user.ID, "2026-08-23", delta))

	rows, err := repo.Stats().GetDailyStats(ctx, user.ID, 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	day := rows[0]
	assert.Equal(t, int64(350), day.TotalTokens)
	assert.Equal(t, int64(200), day.InputTokens)
	assert.Equal(t, int64(100), day.OutputTokens)
	assert.Equal(t, int64(50), day.CacheReadTokens)
	assert.Equal(t, int64(2), day.SessionCount)
	assert.Equal(t, int64(120), day.TotalDurationSeconds)

	slice := day.ToolBreakdown[model.ToolClaudeCode]
	assert.Equal(t, int64(350), slice.TotalTokens)
	assert.Equal(t, int64(2), slice.SessionCount)
}

func TestStatsRepo_ApplyDailyMergesTools(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	user := newTestUser(t, repo, "erin")

	base := store.StatsDelta{InputTokens: 10, EndedAt: time.Now().UTC()}

	claude := base
	claude.ToolType = model.ToolClaudeCode
	gemini := base
	gemini.ToolType = model.ToolGeminiCLI

	require.NoError(t, repo.Stats().ApplyDaily(ctx, user.ID, "2026-08-23", claude))
	require.NoError(t, repo.Stats().ApplyDaily(ctx, user.ID, "2026-08-23", gemini))

	rows, err := repo.Stats().GetDailyStats(ctx, user.ID, 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, int64(1), rows[0].ToolBreakdown[model.ToolClaudeCode].SessionCount)
	assert.Equal(t, int64(1), rows[0].ToolBreakdown[model.ToolGeminiCLI].SessionCount)
}

func TestStatsRepo_ApplyLifetime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	user := newTestUser(t, repo, "frank")

	first := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	second := time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Stats().ApplyLifetime(ctx, user.ID, store.StatsDelta{
		InputTokens: 100, ToolType: model.ToolClaudeCode, EndedAt: first,
	}))
	require.NoError(t, repo.Stats().ApplyLifetime(ctx, user.ID, store.StatsDelta{
		InputTokens: 200, ToolType: model.ToolClaudeCode, EndedAt: second,
	}))

	s, err := repo.Stats().GetUserStats(ctx, user.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(300), s.TotalTokens)
	assert.Equal(t, int64(2), s.SessionCount)
	require.True(t, s.FirstSessionAt.Valid)
	require.True(t, s.LastSessionAt.Valid)
	assert.True(t, s.FirstSessionAt.Time.Equal(first))
	assert.True(t, s.LastSessionAt.Time.Equal(second))

	avg, sessions, err := repo.Stats().AvgTokensPerSession(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sessions)
	assert.InDelta(t, 150.0, avg, 0.001)
}

func TestStatsRepo_AvgTokensPerSession_NoHistory(t *testing.T) {
	repo := newTestRepo(t)

	avg, sessions, err := repo.Stats().AvgTokensPerSession(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, avg)
	assert.Zero(t, sessions)
}

func TestStatsRepo_Leaderboard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	heavy := newTestUser(t, repo, "heavy")
	light := newTestUser(t, repo, "light")
	hidden := newTestUser(t, repo, "hidden")
	_, err := repo.(*Repository).db.Exec(`UPDATE users SET is_private = 1 WHERE id = ?`, hidden.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, repo.Stats().ApplyLifetime(ctx, heavy.ID, store.StatsDelta{InputTokens: 1000, ToolType: model.ToolClaudeCode, EndedAt: now}))
	require.NoError(t, repo.Stats().ApplyLifetime(ctx, light.ID, store.StatsDelta{InputTokens: 10, ToolType: model.ToolClaudeCode, EndedAt: now}))
	require.NoError(t, repo.Stats().ApplyLifetime(ctx, hidden.ID, store.StatsDelta{InputTokens: 9999, ToolType: model.ToolClaudeCode, EndedAt: now}))

	rows, err := repo.Stats().Leaderboard(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "private users must not appear")

	assert.Equal(t, int64(1), rows[0].Rank)
	assert.Equal(t, "heavy", rows[0].Username)
	assert.Equal(t, int64(2), rows[1].Rank)
	assert.Equal(t, "light", rows[1].Username)
}

func TestStatsRepo_LeaderboardWindowed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	recent := newTestUser(t, repo, "recent")
	stale := newTestUser(t, repo, "stale")

	today := time.Now().UTC().Format("2006-01-02")
	longAgo := time.Now().UTC().AddDate(0, 0, -60).Format("2006-01-02")

	require.NoError(t, repo.Stats().ApplyDaily(ctx, recent.ID, today, store.StatsDelta{InputTokens: 100, ToolType: model.ToolClaudeCode}))
	require.NoError(t, repo.Stats().ApplyDaily(ctx, stale.ID, longAgo, store.StatsDelta{InputTokens: 5000, ToolType: model.ToolClaudeCode}))

	since := time.Now().UTC().AddDate(0, 0, -7)
	rows, err := repo.Stats().Leaderboard(ctx, since, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "recent", rows[0].Username)
}

func TestAPIKeyRepo_DeactivateOldest(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	user := newTestUser(t, repo, "grace")

	for i := 0; i < 5; i++ {
		key := &model.APIKey{
			ID:        string(rune('a' + i)),
			UserID:    user.ID,
			KeyHash:   "hash-" + string(rune('a'+i)),
			KeyPrefix: "cu_test",
			IsActive:  true,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.APIKeys().Create(ctx, key))
	}

	require.NoError(t, repo.APIKeys().DeactivateOldest(ctx, user.ID, 2))

	n, err := repo.APIKeys().CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The survivors are the two newest.
	keys, err := repo.APIKeys().ListByUserID(ctx, user.ID)
	require.NoError(t, err)
	for _, k := range keys {
		if k.ID == "d" || k.ID == "e" {
			assert.True(t, k.IsActive, "key %s should survive", k.ID)
		} else {
			assert.False(t, k.IsActive, "key %s should be deactivated", k.ID)
		}
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(txRepo store.Repository) error {
		user := &model.User{
			ID:       "tx-user",
			Username: "txuser",
			UserSalt: "salt",
		}
		if err := txRepo.Users().Create(ctx, user); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = repo.Users().GetByUsername(ctx, "txuser")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuditRepo_Insert(t *testing.T) {
	repo := newTestRepo(t)

	e := &model.AuditEntry{
		ID:          "audit-1",
		EventType:   model.EventSessionRecorded,
		IPAddress:   "127.0.0.1",
		UserAgent:   "test",
		DetailsJSON: `{"k":"v"}`,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Audit().Insert(context.Background(), e))
}
