package model

import (
	"database/sql"
	"time"
)

// User is the identity anchor. UserSalt is a per-user secret mixed into
// the session hash; it is immutable after creation and must never be
// logged or sent to a client.
type User struct {
	ID          string    `db:"id" json:"id"`
	Username    string    `db:"username" json:"username"`
	DisplayName string    `db:"display_name" json:"display_name"`
	UserSalt    string    `db:"user_salt" json:"-"`
	IsPrivate   bool      `db:"is_private" json:"is_private"`
	EvalCount   int64     `db:"eval_count" json:"eval_count"`
	KeyPrefix   string    `db:"key_prefix" json:"key_prefix"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// APIKey is the credential used to sign session submissions. Only the
// hash is needed for verification; KeyEnc is an authenticated-encrypted
// copy kept for one-time re-display and is bound to the owning user.
type APIKey struct {
	ID         string         `db:"id" json:"id"`
	UserID     string         `db:"user_id" json:"user_id"`
	KeyHash    string         `db:"key_hash" json:"-"`
	KeyPrefix  string         `db:"key_prefix" json:"key_prefix"`
	KeyEnc     sql.NullString `db:"key_enc" json:"-"`
	IsActive   bool           `db:"is_active" json:"is_active"`
	LastUsedAt sql.NullTime   `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// Session is one CLI-reported work session. SessionHash is recomputed
// server-side from trusted inputs; any client-supplied hash is ignored.
type Session struct {
	ID              string         `db:"id" json:"id"`
	UserID          string         `db:"user_id" json:"user_id"`
	ToolType        ToolType       `db:"tool_type" json:"tool_type"`
	SessionHash     string         `db:"session_hash" json:"-"`
	StartedAt       sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	EndedAt         time.Time      `db:"ended_at" json:"ended_at"`
	DurationSeconds int64          `db:"duration_seconds" json:"duration_seconds"`
	ModelName       string         `db:"model_name" json:"model_name"`
	TurnCount       int64          `db:"turn_count" json:"turn_count"`
	ToolUsageJSON   sql.NullString `db:"tool_usage_json" json:"tool_usage,omitempty"`
	CodeMetricsJSON sql.NullString `db:"code_metrics_json" json:"code_metrics,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// TokenUsage records the token counts of a single session, 1:1 with
// Session and immutable once written.
type TokenUsage struct {
	ID                  string    `db:"id" json:"id"`
	SessionID           string    `db:"session_id" json:"session_id"`
	UserID              string    `db:"user_id" json:"user_id"`
	InputTokens         int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens        int64     `db:"output_tokens" json:"output_tokens"`
	CacheCreationTokens int64     `db:"cache_creation_tokens" json:"cache_creation_tokens"`
	CacheReadTokens     int64     `db:"cache_read_tokens" json:"cache_read_tokens"`
	TotalTokens         int64     `db:"total_tokens" json:"total_tokens"`
	RecordedAt          time.Time `db:"recorded_at" json:"recorded_at"`
}

// DailyUserStats is one row per (user, date). Rows are only ever
// touched through increment upserts so concurrent submissions for the
// same day cannot lose updates.
type DailyUserStats struct {
	ID                   string        `db:"id" json:"id"`
	UserID               string        `db:"user_id" json:"user_id"`
	Date                 string        `db:"date" json:"date"`
	TotalTokens          int64         `db:"total_tokens" json:"total_tokens"`
	InputTokens          int64         `db:"input_tokens" json:"input_tokens"`
	OutputTokens         int64         `db:"output_tokens" json:"output_tokens"`
	CacheCreationTokens  int64         `db:"cache_creation_tokens" json:"cache_creation_tokens"`
	CacheReadTokens      int64         `db:"cache_read_tokens" json:"cache_read_tokens"`
	SessionCount         int64         `db:"session_count" json:"session_count"`
	TotalDurationSeconds int64         `db:"total_duration_seconds" json:"total_duration_seconds"`
	ToolBreakdown        ToolBreakdown `db:"tool_breakdown_json" json:"tool_breakdown"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// UserStats holds lifetime running totals per user, maintained with the
// same atomic-increment discipline as DailyUserStats.
type UserStats struct {
	UserID               string        `db:"user_id" json:"user_id"`
	TotalTokens          int64         `db:"total_tokens" json:"total_tokens"`
	InputTokens          int64         `db:"input_tokens" json:"input_tokens"`
	OutputTokens         int64         `db:"output_tokens" json:"output_tokens"`
	CacheCreationTokens  int64         `db:"cache_creation_tokens" json:"cache_creation_tokens"`
	CacheReadTokens      int64         `db:"cache_read_tokens" json:"cache_read_tokens"`
	SessionCount         int64         `db:"session_count" json:"session_count"`
	TotalDurationSeconds int64         `db:"total_duration_seconds" json:"total_duration_seconds"`
	ToolBreakdown        ToolBreakdown `db:"tool_breakdown_json" json:"tool_breakdown"`
	FirstSessionAt       sql.NullTime  `db:"first_session_at" json:"first_session_at,omitempty"`
	LastSessionAt        sql.NullTime  `db:"last_session_at" json:"last_session_at,omitempty"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// AuditEntry is an append-only security event. UserID is nullable
// because events can precede identity resolution, and entries survive
// user deletion.
type AuditEntry struct {
	ID          string         `db:"id" json:"id"`
	UserID      sql.NullString `db:"user_id" json:"user_id,omitempty"`
	EventType   EventType      `db:"event_type" json:"event_type"`
	KeyPrefix   sql.NullString `db:"key_prefix" json:"key_prefix,omitempty"`
	IPAddress   string         `db:"ip_address" json:"ip_address"`
	UserAgent   string         `db:"user_agent" json:"user_agent"`
	DetailsJSON string         `db:"details_json" json:"details"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// EventType enumerates the audit events the core emits.
type EventType string

const (
	EventInvalidAPIKey      EventType = "invalid_api_key"
	EventInvalidSignature   EventType = "invalid_signature"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventAnomalyDetected    EventType = "anomaly_detected"
	EventDuplicateSession   EventType = "duplicate_session"
	EventSessionRecorded    EventType = "session_recorded"
	EventAPIKeyRotated      EventType = "api_key_rotated"
)

// LeaderboardRow is a read-side aggregate used by the public ranking
// endpoint. Ranking is by total tokens only.
type LeaderboardRow struct {
	Rank        int64  `db:"rank" json:"rank"`
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name"`
	TotalTokens int64  `db:"total_tokens" json:"total_tokens"`
	SessionCount int64 `db:"session_count" json:"session_count"`
}
