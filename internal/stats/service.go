package stats

import (
	"context"
	"errors"
	"time"

	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/cache"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
)

// ErrUnknownPeriod is returned for an unrecognized leaderboard period.
var ErrUnknownPeriod = errors.New("stats: unknown period")

// UserStatsView is the cache-friendly read model served to profile
// pages. It carries no decision logic; the core only guarantees the
// numbers are authentic and internally consistent.
type UserStatsView struct {
	Username    string                 `json:"username"`
	DisplayName string                 `json:"display_name"`
	Lifetime    *model.UserStats       `json:"lifetime,omitempty"`
	Daily       []model.DailyUserStats `json:"daily"`
}

// Service fronts the aggregate queries with the cache-aside layer.
type Service struct {
	repo  store.Repository
	cache cache.CacheService
	cfg   config.CacheConfig
}

func NewService(repo store.Repository, c cache.CacheService, cfg config.CacheConfig) *Service {
	return &Service{
		repo:  repo,
		cache: c,
		cfg:   cfg,
	}
}

// GetUserStats returns the lifetime and recent daily aggregates for a
// public user. Private users are indistinguishable from missing ones.
func (s *Service) GetUserStats(ctx context.Context, username string, days int) (*UserStatsView, error) {
	user, err := s.repo.Users().GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.IsPrivate {
		return nil, store.ErrNotFound
	}

	return cache.WithCache(ctx, s.cache, cache.UserDailyKey(user.ID, days), s.cfg.StatsTTL, s.cfg.EmptyTTL,
		func(ctx context.Context) (*UserStatsView, error) {
			view := &UserStatsView{
				Username:    user.Username,
				DisplayName: user.DisplayName,
			}

			lifetime, err := s.repo.Stats().GetUserStats(ctx, user.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			view.Lifetime = lifetime

			daily, err := s.repo.Stats().GetDailyStats(ctx, user.ID, days)
			if err != nil {
				return nil, err
			}
			view.Daily = daily

			return view, nil
		})
}

// Leaderboard returns the token-sum ranking for a period ("all", "7d"
// or "30d"), served through the cache.
func (s *Service) Leaderboard(ctx context.Context, period string, limit int) ([]model.LeaderboardRow, error) {
	var since time.Time
	switch period {
	case "", "all":
		period = "all"
	case "7d":
		since = time.Now().UTC().AddDate(0, 0, -7)
	case "30d":
		since = time.Now().UTC().AddDate(0, 0, -30)
	default:
		return nil, ErrUnknownPeriod
	}

	return cache.WithCache(ctx, s.cache, cache.LeaderboardKey(period, limit), s.cfg.LeaderboardTTL, s.cfg.EmptyTTL,
		func(ctx context.Context) ([]model.LeaderboardRow, error) {
			return s.repo.Stats().Leaderboard(ctx, since, limit)
		})
}
