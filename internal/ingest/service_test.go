package ingest

import (
	"context"
	"sync"
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

// captureRecorder collects audit events synchronously for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []*model.AuditEntry
}

func (r *captureRecorder) Record(e *model.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *captureRecorder) Start(context.Context) {}
func (r *captureRecorder) Stop()                 {}

func (r *captureRecorder) byType(et model.EventType) []*model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.AuditEntry
	for _, e := range r.events {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MinSessionInterval: time.Second,
		AnomalyMultiplier:  10,
		EndedAtTolerance:   24 * time.Hour,
		MaxTokensPerClass:  50_000_000,
		MaxDurationSeconds: 86_400,
		MaxTurnCount:       10_000,
		MaxDocumentBytes:   1024,
	}
}

func newTestService(t *testing.T) (*Service, store.Repository, *captureRecorder) {
	t.Helper()
	repo, err := sqlite.NewStorage(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	rec := &captureRecorder{}
	svc := NewService(repo, cache.NewMemoryCache(), rec, zap.NewNop(), testIngestConfig())
	return svc, repo, rec
}

func testUser(t *testing.T, repo store.Repository) *model.User {
	t.Helper()
	now := time.Now().UTC()
	user := &model.User{
		ID:        "user-1",
		Username:  "tester",
		UserSalt:  "salt-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.Users().Create(context.Background(), user))
	return user
}

func validRequest(endedAt time.Time) *SubmitRequest {
	return &SubmitRequest{
		ToolType:        string(model.ToolClaudeCode),
		EndedAt:         endedAt,
		ModelName:       "claude-sonnet-4",
		InputTokens:     1000,
		OutputTokens:    500,
		CacheReadTokens: 200,
		DurationSeconds: 300,
		TurnCount:       12,
	}
}

func TestIngest_CommitsAllTables(t *testing.T) {
	svc, repo, rec := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	endedAt := time.Now().UTC().Add(-time.Hour)

	sessionID, err := svc.Ingest(ctx, user, validRequest(endedAt), RequestMeta{IP: "1.2.3.4"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	latest, err := repo.Sessions().LatestEndedAt(ctx, user.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, endedAt, latest, time.Second)

	lifetime, err := repo.Stats().GetUserStats(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), lifetime.TotalTokens)
	assert.Equal(t, int64(1), lifetime.SessionCount)
	assert.Equal(t, int64(1700), lifetime.ToolBreakdown[model.ToolClaudeCode].TotalTokens)

	daily, err := repo.Stats().GetDailyStats(ctx, user.ID, 3)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, endedAt.Format("2006-01-02"), daily[0].Date)

	fresh, err := repo.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.EvalCount)

	assert.Len(t, rec.byType(model.EventSessionRecorded), 1)
}

func TestIngest_DuplicateRejected(t *testing.T) {
	svc, repo, rec := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	endedAt := time.Now().UTC().Add(-time.Hour)

	_, err := svc.Ingest(ctx, user, validRequest(endedAt), RequestMeta{})
	require.NoError(t, err)

	// A zero gap to the latest recorded session must not shadow the
	// duplicate verdict with a too-frequent one.
	_, err = svc.Ingest(ctx, user, validRequest(endedAt), RequestMeta{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.NotErrorIs(t, err, ErrTooFrequent)
	assert.Len(t, rec.byType(model.EventDuplicateSession), 1)
	assert.Empty(t, rec.byType(model.EventSuspiciousActivity))

	// The aggregates must not have double counted.
	lifetime, err := repo.Stats().GetUserStats(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lifetime.SessionCount)
}

func TestIngest_ClientHashIgnored(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	endedAt := time.Now().UTC().Add(-time.Hour)

	first := validRequest(endedAt)
	first.SessionHash = "claimed-hash-a"
	_, err := svc.Ingest(ctx, user, first, RequestMeta{})
	require.NoError(t, err)

	// Same session content with a different claimed hash is still a
	// duplicate: the server recomputes from trusted inputs.
	second := validRequest(endedAt)
	second.SessionHash = "claimed-hash-b"
	_, err = svc.Ingest(ctx, user, second, RequestMeta{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestIngest_FrequencyGate(t *testing.T) {
	svc, repo, rec := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	endedAt := time.Now().UTC().Add(-time.Hour)

	_, err := svc.Ingest(ctx, user, validRequest(endedAt), RequestMeta{})
	require.NoError(t, err)

	tooClose := validRequest(endedAt.Add(500 * time.Millisecond))
	tooClose.InputTokens = 999 // different content, so only frequency can reject it
	_, err = svc.Ingest(ctx, user, tooClose, RequestMeta{})
	assert.ErrorIs(t, err, ErrTooFrequent)
	assert.Len(t, rec.byType(model.EventSuspiciousActivity), 1)

	farEnough := validRequest(endedAt.Add(2 * time.Second))
	farEnough.InputTokens = 999
	_, err = svc.Ingest(ctx, user, farEnough, RequestMeta{})
	assert.NoError(t, err)
}

func TestIngest_AnomalyIsAdvisory(t *testing.T) {
	svc, repo, rec := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	endedAt := time.Now().UTC().Add(-2 * time.Hour)

	_, err := svc.Ingest(ctx, user, validRequest(endedAt), RequestMeta{})
	require.NoError(t, err)

	// 100x the baseline: flagged, but accepted anyway.
	spike := validRequest(endedAt.Add(time.Hour))
	spike.InputTokens = 170_000
	_, err = svc.Ingest(ctx, user, spike, RequestMeta{})
	require.NoError(t, err)
	assert.Len(t, rec.byType(model.EventAnomalyDetected), 1)

	lifetime, err := repo.Stats().GetUserStats(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lifetime.SessionCount)
}

func TestIngest_TimestampGate(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	ancient := time.Now().UTC().Add(-72 * time.Hour)

	t.Run("stale endedAt rejected", func(t *testing.T) {
		_, err := svc.Ingest(ctx, user, validRequest(ancient), RequestMeta{})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("deferred-submission tools exempt", func(t *testing.T) {
		req := validRequest(ancient)
		req.ToolType = string(model.ToolGeminiCLI)
		_, err := svc.Ingest(ctx, user, req, RequestMeta{})
		assert.NoError(t, err)
	})
}

func TestIngest_Validation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	user := testUser(t, repo)
	endedAt := time.Now().UTC().Add(-time.Hour)

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"unknown tool", func(r *SubmitRequest) { r.ToolType = "vim" }},
		{"negative tokens", func(r *SubmitRequest) { r.OutputTokens = -1 }},
		{"token ceiling", func(r *SubmitRequest) { r.CacheReadTokens = 50_000_001 }},
		{"duration ceiling", func(r *SubmitRequest) { r.DurationSeconds = 90_000 }},
		{"turn ceiling", func(r *SubmitRequest) { r.TurnCount = 10_001 }},
		{"oversized toolUsage", func(r *SubmitRequest) { r.ToolUsage = make([]byte, 2048) }},
		{"oversized codeMetrics", func(r *SubmitRequest) { r.CodeMetrics = make([]byte, 2048) }},
		{"startedAt after endedAt", func(r *SubmitRequest) {
			after := r.EndedAt.Add(time.Minute)
			r.StartedAt = &after
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(endedAt)
			tc.mutate(req)
			_, err := svc.Ingest(ctx, user, req, RequestMeta{})
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	// Nothing above may have left partial state behind.
	_, err := repo.Stats().GetUserStats(ctx, user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_InvalidatesCachedViews(t *testing.T) {
	repo, err := sqlite.NewStorage(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	mem := cache.NewMemoryCache()
	svc := NewService(repo, mem, &captureRecorder{}, zap.NewNop(), testIngestConfig())
	ctx := context.Background()
	user := testUser(t, repo)

	require.NoError(t, mem.Set(ctx, cache.UserDailyKey(user.ID, 7), "cached", time.Minute))
	require.NoError(t, mem.Set(ctx, cache.UserDailyKey(user.ID, 30), "cached", time.Minute))
	require.NoError(t, mem.Set(ctx, cache.LeaderboardKey("all", 50), "cached", time.Minute))

	_, err = svc.Ingest(ctx, user, validRequest(time.Now().UTC().Add(-time.Hour)), RequestMeta{})
	require.NoError(t, err)

	var s string
	assert.ErrorIs(t, mem.Get(ctx, cache.UserDailyKey(user.ID, 7), &s), cache.ErrCacheMiss)
	assert.ErrorIs(t, mem.Get(ctx, cache.UserDailyKey(user.ID, 30), &s), cache.ErrCacheMiss)
	assert.ErrorIs(t, mem.Get(ctx, cache.LeaderboardKey("all", 50), &s), cache.ErrCacheMiss)
}
