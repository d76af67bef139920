package store

import (
	"context"
	"errors"
	"time"

	"github.com/nulzo/usage-telemetry-api/internal/store/model"
)

type contextKey string

const (
	// ContextKeyUser carries the authenticated *model.User.
	ContextKeyUser contextKey = "auth_user"
	// ContextKeyAPIKey carries the authenticated *model.APIKey.
	ContextKeyAPIKey contextKey = "auth_api_key"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint. For sessions this is the final dedup arbiter.
	ErrDuplicate = errors.New("store: duplicate")
)

// StatsDelta is the aggregate contribution of one committed session.
type StatsDelta struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	DurationSeconds     int64
	ToolType            model.ToolType
	EndedAt             time.Time
}

// TotalTokens returns the sum of all token classes.
func (d StatsDelta) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheCreationTokens + d.CacheReadTokens
}

// Repository is the main contract for the data layer.
type Repository interface {
	Users() UserRepository
	APIKeys() APIKeyRepository
	Sessions() SessionRepository
	Stats() StatsRepository
	Audit() AuditRepository

	// WithTx runs fn against a transactional view of the repository.
	// fn returning an error rolls everything back.
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// UpdateKeyPrefix refreshes the display prefix shown on the dashboard.
	UpdateKeyPrefix(ctx context.Context, id, prefix string) error
	// IncrementEvalCount bumps the running successful-evaluation counter.
	IncrementEvalCount(ctx context.Context, id string) error
}

type APIKeyRepository interface {
	Create(ctx context.Context, key *model.APIKey) error
	// GetActiveByHash retrieves an active key by its hash (auth path).
	GetActiveByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListByUserID(ctx context.Context, userID string) ([]model.APIKey, error)
	CountActive(ctx context.Context, userID string) (int, error)
	// DeactivateOldest disables the oldest active keys until at most
	// keep remain. Keys are never deleted.
	DeactivateOldest(ctx context.Context, userID string, keep int) error
	// Deactivate disables a single key.
	Deactivate(ctx context.Context, id string) error
	// TouchLastUsed updates last_used_at, best effort.
	TouchLastUsed(ctx context.Context, id string) error
}

type SessionRepository interface {
	// Insert stores a session. Returns ErrDuplicate if the session hash
	// is already recorded.
	Insert(ctx context.Context, s *model.Session) error
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	// LatestEndedAt returns the ended_at of the user's most recent
	// session, or ErrNotFound if none exist.
	LatestEndedAt(ctx context.Context, userID string) (time.Time, error)
}

type StatsRepository interface {
	InsertTokenUsage(ctx context.Context, tu *model.TokenUsage) error
	// ApplyDaily applies delta to the (user, date) row as a single
	// increment upsert, merging the per-tool breakdown in SQL.
	ApplyDaily(ctx context.Context, userID, date string, delta StatsDelta) error
	// ApplyLifetime applies delta to the user's lifetime row with the
	// same upsert discipline.
	ApplyLifetime(ctx context.Context, userID string, delta StatsDelta) error

	GetUserStats(ctx context.Context, userID string) (*model.UserStats, error)
	GetDailyStats(ctx context.Context, userID string, days int) ([]model.DailyUserStats, error)
	// AvgTokensPerSession returns the user's lifetime per-session mean
	// and the number of sessions it is based on.
	AvgTokensPerSession(ctx context.Context, userID string) (float64, int64, error)
	Leaderboard(ctx context.Context, since time.Time, limit int) ([]model.LeaderboardRow, error)
}

type AuditRepository interface {
	// Insert appends an audit entry. Entries are never updated or deleted.
	Insert(ctx context.Context, e *model.AuditEntry) error
}
