package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/cache"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"go.uber.org/zap"
)

var (
	// ErrInvalid wraps every schema/bounds/timestamp gate failure.
	ErrInvalid = errors.New("ingest: invalid session report")
	// ErrTooFrequent means the report landed inside the minimum
	// interval after the user's latest recorded session.
	ErrTooFrequent = errors.New("ingest: session too frequent")
	// ErrDuplicateSession means this session is already recorded.
	// Terminal for the client, not retryable.
	ErrDuplicateSession = errors.New("ingest: duplicate session")
)

// RequestMeta carries requester context into the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service runs the ingestion state machine: schema gate, timestamp
// gate, server-side hash dedup, frequency gate, advisory anomaly
// check, then one atomic aggregate commit. Only the commit has side
// effects; every failed gate short-circuits.
type Service struct {
	repo     store.Repository
	cache    cache.CacheService
	recorder audit.Recorder
	logger   *zap.Logger
	cfg      config.IngestConfig
	now      func() time.Time
}

func NewService(repo store.Repository, c cache.CacheService, recorder audit.Recorder, logger *zap.Logger, cfg config.IngestConfig) *Service {
	return &Service{
		repo:     repo,
		cache:    c,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Ingest validates and commits one session report for an already
// authenticated user. Returns the new session id on success.
func (s *Service) Ingest(ctx context.Context, user *model.User, req *SubmitRequest, meta RequestMeta) (string, error) {
	tool := model.ToolType(req.ToolType)

	if err := s.validate(tool, req); err != nil {
		return "", err
	}

	if err := s.checkTimestamp(tool, req.EndedAt); err != nil {
		return "", err
	}

	sessionHash := ComputeSessionHash(
		user.ID, user.UserSalt,
		req.InputTokens, req.OutputTokens, req.CacheCreationTokens, req.CacheReadTokens,
		req.ModelName, req.EndedAt,
	)

	// Dedup runs before the frequency gate: an exact resubmission has a
	// zero gap to the latest recorded session and must read as a
	// duplicate, not as flooding.
	exists, err := s.repo.Sessions().ExistsByHash(ctx, sessionHash)
	if err != nil {
		return "", err
	}
	if exists {
		s.auditDuplicate(user, meta, sessionHash)
		return "", ErrDuplicateSession
	}

	if err := s.checkFrequency(ctx, user, req, meta); err != nil {
		return "", err
	}

	// Advisory only: high-usage sessions from legitimate users must
	// not be blocked, so an anomaly is a signal for review, never a gate.
	s.checkAnomaly(ctx, user, req, meta)

	sessionID, err := s.commit(ctx, user, req, sessionHash)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race against a concurrent copy of the same
			// session; the unique constraint is the final arbiter.
			s.auditDuplicate(user, meta, sessionHash)
			return "", ErrDuplicateSession
		}
		return "", err
	}

	s.recorder.Record(audit.Event(model.EventSessionRecorded, user.ID, "", meta.IP, meta.UserAgent, map[string]any{
		"session_id":   sessionID,
		"tool_type":    req.ToolType,
		"total_tokens": req.TotalTokens(),
	}))

	s.invalidateCaches(user.ID)

	return sessionID, nil
}

func (s *Service) validate(tool model.ToolType, req *SubmitRequest) error {
	if !tool.Valid() {
		return fmt.Errorf("%w: unknown tool type %q", ErrInvalid, req.ToolType)
	}

	maxTokens := s.cfg.MaxTokensPerClass
	for name, v := range map[string]int64{
		"inputTokens":         req.InputTokens,
		"outputTokens":        req.OutputTokens,
		"cacheCreationTokens": req.CacheCreationTokens,
		"cacheReadTokens":     req.CacheReadTokens,
	} {
		if v < 0 || v > maxTokens {
			return fmt.Errorf("%w: %s out of range", ErrInvalid, name)
		}
	}

	if req.DurationSeconds < 0 || req.DurationSeconds > s.cfg.MaxDurationSeconds {
		return fmt.Errorf("%w: durationSeconds out of range", ErrInvalid)
	}
	if req.TurnCount < 0 || req.TurnCount > s.cfg.MaxTurnCount {
		return fmt.Errorf("%w: turnCount out of range", ErrInvalid)
	}

	// free-form documents are the storage-exhaustion vector; cap them hard
	if len(req.ToolUsage) > s.cfg.MaxDocumentBytes {
		return fmt.Errorf("%w: toolUsage document too large", ErrInvalid)
	}
	if len(req.CodeMetrics) > s.cfg.MaxDocumentBytes {
		return fmt.Errorf("%w: codeMetrics document too large", ErrInvalid)
	}

	if req.StartedAt != nil && req.StartedAt.After(req.EndedAt) {
		return fmt.Errorf("%w: startedAt after endedAt", ErrInvalid)
	}

	return nil
}

// checkTimestamp enforces ended_at recency. Tools whose daemons report
// after the fact are exempt by per-tool policy, not by a blanket bypass.
func (s *Service) checkTimestamp(tool model.ToolType, endedAt time.Time) error {
	if tool.AllowsDeferredSubmission() {
		return nil
	}

	skew := s.now().Sub(endedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.EndedAtTolerance {
		return fmt.Errorf("%w: endedAt outside the accepted window", ErrInvalid)
	}
	return nil
}

// checkFrequency rejects reports landing closer than the minimum
// interval to the user's latest recorded session. The interval is
// small enough for batch replays from an offline daemon and large
// enough to block trivial flooding.
func (s *Service) checkFrequency(ctx context.Context, user *model.User, req *SubmitRequest, meta RequestMeta) error {
	latest, err := s.repo.Sessions().LatestEndedAt(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	gap := req.EndedAt.Sub(latest)
	if gap < 0 {
		gap = -gap
	}
	if gap < s.cfg.MinSessionInterval {
		s.recorder.Record(audit.Event(model.EventSuspiciousActivity, user.ID, "", meta.IP, meta.UserAgent, map[string]any{
			"reason":       "session_too_frequent",
			"gap_ms":       gap.Milliseconds(),
			"min_interval": s.cfg.MinSessionInterval.String(),
		}))
		return ErrTooFrequent
	}
	return nil
}

// checkAnomaly flags token volumes far above the user's historical
// per-session mean. Detection signal only; it never blocks.
func (s *Service) checkAnomaly(ctx context.Context, user *model.User, req *SubmitRequest, meta RequestMeta) {
	avg, sessions, err := s.repo.Stats().AvgTokensPerSession(ctx, user.ID)
	if err != nil {
		s.logger.Warn("Anomaly baseline lookup failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	if sessions == 0 || avg <= 0 {
		return
	}

	total := float64(req.TotalTokens())
	if total > avg*s.cfg.AnomalyMultiplier {
		s.recorder.Record(audit.Event(model.EventAnomalyDetected, user.ID, "", meta.IP, meta.UserAgent, map[string]any{
			"submitted_tokens": req.TotalTokens(),
			"baseline_avg":     avg,
			"multiplier":       s.cfg.AnomalyMultiplier,
		}))
		s.logger.Warn("Anomalous token volume",
			zap.String("user_id", user.ID),
			zap.Int64("submitted", req.TotalTokens()),
			zap.Float64("baseline", avg),
		)
	}
}

// commit performs the atomic write: session, token usage, daily and
// lifetime aggregates, eval counter. All five writes succeed or none
// do. The transaction runs on a context detached from the client so a
// disconnect cannot leave a session without its aggregate contribution.
func (s *Service) commit(ctx context.Context, user *model.User, req *SubmitRequest, sessionHash string) (string, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	sessionID := uuid.New().String()
	now := s.now().UTC()

	err := s.repo.WithTx(commitCtx, func(repo store.Repository) error {
		session := &model.Session{
			ID:              sessionID,
			UserID:          user.ID,
			ToolType:        model.ToolType(req.ToolType),
			SessionHash:     sessionHash,
			EndedAt:         req.EndedAt.UTC(),
			DurationSeconds: req.DurationSeconds,
			ModelName:       req.ModelName,
			TurnCount:       req.TurnCount,
			CreatedAt:       now,
		}
		if req.StartedAt != nil {
			session.StartedAt = sql.NullTime{Time: req.StartedAt.UTC(), Valid: true}
		}
		if len(req.ToolUsage) > 0 {
			session.ToolUsageJSON = sql.NullString{String: string(req.ToolUsage), Valid: true}
		}
		if len(req.CodeMetrics) > 0 {
			session.CodeMetricsJSON = sql.NullString{String: string(req.CodeMetrics), Valid: true}
		}

		if err := repo.Sessions().Insert(commitCtx, session); err != nil {
			return err
		}

		usage := &model.TokenUsage{
			ID:                  uuid.New().String(),
			SessionID:           sessionID,
			UserID:              user.ID,
			InputTokens:         req.InputTokens,
			OutputTokens:        req.OutputTokens,
			CacheCreationTokens: req.CacheCreationTokens,
			CacheReadTokens:     req.CacheReadTokens,
			TotalTokens:         req.TotalTokens(),
			RecordedAt:          now,
		}
		if err := repo.Stats().InsertTokenUsage(commitCtx, usage); err != nil {
			return err
		}

		delta := store.StatsDelta{
			InputTokens:         req.InputTokens,
			OutputTokens:        req.OutputTokens,
			CacheCreationTokens: req.CacheCreationTokens,
			CacheReadTokens:     req.CacheReadTokens,
			DurationSeconds:     req.DurationSeconds,
			ToolType:            model.ToolType(req.ToolType),
			EndedAt:             req.EndedAt,
		}
		date := req.EndedAt.UTC().Format("2006-01-02")

		if err := repo.Stats().ApplyDaily(commitCtx, user.ID, date, delta); err != nil {
			return err
		}
		if err := repo.Stats().ApplyLifetime(commitCtx, user.ID, delta); err != nil {
			return err
		}

		return repo.Users().IncrementEvalCount(commitCtx, user.ID)
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// invalidateCaches sweeps every cached view the commit could have
// changed. Aggregates in the database are already correct, so a failed
// sweep only means briefly stale cached views; never a failed request.
func (s *Service) invalidateCaches(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = s.cache.DeletePattern(ctx, cache.UserPattern(userID))
	_ = s.cache.DeletePattern(ctx, cache.LeaderboardPattern)
}

func (s *Service) auditDuplicate(user *model.User, meta RequestMeta, sessionHash string) {
	s.recorder.Record(audit.Event(model.EventDuplicateSession, user.ID, "", meta.IP, meta.UserAgent, map[string]any{
		"session_hash": sessionHash,
	}))
}
