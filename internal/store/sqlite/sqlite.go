package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repository implements store.Repository.
type Repository struct {
	db       *sqlx.DB // required for starting new transactions
	executor DB       // used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db:       db,
		executor: db,
	}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &Repository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *Repository) Users() store.UserRepository       { return &userRepo{db: r.executor} }
func (r *Repository) APIKeys() store.APIKeyRepository   { return &apiKeyRepo{db: r.executor} }
func (r *Repository) Sessions() store.SessionRepository { return &sessionRepo{db: r.executor} }
func (r *Repository) Stats() store.StatsRepository      { return &statsRepo{db: r.executor} }
func (r *Repository) Audit() store.AuditRepository      { return &auditRepo{db: r.executor} }

func newID() string {
	return uuid.New().String()
}

// translateErr maps driver errors onto the store sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return store.ErrDuplicate
	}
	return err
}

type userRepo struct {
	db DB
}

func (r *userRepo) Create(ctx context.Context, user *model.User) error {
	query := `
	INSERT INTO users (id, username, display_name, user_salt, is_private, eval_count, key_prefix, created_at, updated_at)
	VALUES (:id, :username, :display_name, :user_salt, :is_private, :eval_count, :key_prefix, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, user)
	return translateErr(err)
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = ?`, username)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

func (r *userRepo) UpdateKeyPrefix(ctx context.Context, id, prefix string) error {
	query := `UPDATE users SET key_prefix = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, prefix, id)
	return err
}

func (r *userRepo) IncrementEvalCount(ctx context.Context, id string) error {
	query := `UPDATE users SET eval_count = eval_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

type apiKeyRepo struct {
	db DB
}

func (r *apiKeyRepo) Create(ctx context.Context, key *model.APIKey) error {
	query := `
	INSERT INTO api_keys (id, user_id, key_hash, key_prefix, key_enc, is_active, created_at, updated_at)
	VALUES (:id, :user_id, :key_hash, :key_prefix, :key_enc, :is_active, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, key)
	return translateErr(err)
}

func (r *apiKeyRepo) GetActiveByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	// active check is part of the query for speed
	query := `SELECT * FROM api_keys WHERE key_hash = ? AND is_active = 1`
	err := r.db.GetContext(ctx, &key, query, hash)
	if err != nil {
		return nil, translateErr(err)
	}
	return &key, nil
}

func (r *apiKeyRepo) ListByUserID(ctx context.Context, userID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.SelectContext(ctx, &keys, `SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`, userID)
	return keys, err
}

func (r *apiKeyRepo) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND is_active = 1`, userID)
	return n, err
}

func (r *apiKeyRepo) DeactivateOldest(ctx context.Context, userID string, keep int) error {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND is_active = 1`, userID); err != nil {
		return err
	}
	if n <= keep {
		return nil
	}

	query := `
	UPDATE api_keys SET is_active = 0, updated_at = CURRENT_TIMESTAMP
	WHERE id IN (
		SELECT id FROM api_keys
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC
		LIMIT ?
	)`
	_, err := r.db.ExecContext(ctx, query, userID, n-keep)
	return err
}

func (r *apiKeyRepo) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *apiKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET last_used_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

type sessionRepo struct {
	db DB
}

func (r *sessionRepo) Insert(ctx context.Context, s *model.Session) error {
	query := `
	INSERT INTO sessions (
		id, user_id, tool_type, session_hash, started_at, ended_at,
		duration_seconds, model_name, turn_count, tool_usage_json,
		code_metrics_json, created_at
	) VALUES (
		:id, :user_id, :tool_type, :session_hash, :started_at, :ended_at,
		:duration_seconds, :model_name, :turn_count, :tool_usage_json,
		:code_metrics_json, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, s)
	return translateErr(err)
}

func (r *sessionRepo) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM sessions WHERE session_hash = ?)`, hash)
	return exists, err
}

func (r *sessionRepo) LatestEndedAt(ctx context.Context, userID string) (time.Time, error) {
	var t time.Time
	query := `SELECT ended_at FROM sessions WHERE user_id = ? ORDER BY ended_at DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &t, query, userID); err != nil {
		return time.Time{}, translateErr(err)
	}
	return t, nil
}

type statsRepo struct {
	db DB
}

func (r *statsRepo) InsertTokenUsage(ctx context.Context, tu *model.TokenUsage) error {
	query := `
	INSERT INTO token_usage (
		id, session_id, user_id, input_tokens, output_tokens,
		cache_creation_tokens, cache_read_tokens, total_tokens, recorded_at
	) VALUES (
		:id, :session_id, :user_id, :input_tokens, :output_tokens,
		:cache_creation_tokens, :cache_read_tokens, :total_tokens, :recorded_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, tu)
	return translateErr(err)
}

// toolPath builds the JSON path of a tool slice. Tool types are a
// closed server-side enum, so splicing the path into the statement is
// safe; the numeric values stay bound parameters.
func toolPath(tool model.ToolType) string {
	return fmt.Sprintf(`$."%s"`, tool)
}

func (r *statsRepo) ApplyDaily(ctx context.Context, userID, date string, delta store.StatsDelta) error {
	path := toolPath(delta.ToolType)
	// The conflict branch is pure in-place arithmetic on the existing
	// row so concurrent submissions for the same user/day serialize in
	// the database instead of overwriting each other.
	query := `
	INSERT INTO daily_user_stats (
		id, user_id, date, total_tokens, input_tokens, output_tokens,
		cache_creation_tokens, cache_read_tokens, session_count,
		total_duration_seconds, tool_breakdown_json, updated_at
	) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, 1, ?,
		json_set('{}', '` + path + `', json_object('total_tokens', ?, 'session_count', 1)),
		CURRENT_TIMESTAMP
	)
	ON CONFLICT(user_id, date) DO UPDATE SET
		total_tokens = total_tokens + excluded.total_tokens,
		input_tokens = input_tokens + excluded.input_tokens,
		output_tokens = output_tokens + excluded.output_tokens,
		cache_creation_tokens = cache_creation_tokens + excluded.cache_creation_tokens,
		cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
		session_count = session_count + 1,
		total_duration_seconds = total_duration_seconds + excluded.total_duration_seconds,
		tool_breakdown_json = json_set(
			tool_breakdown_json, '` + path + `',
			json_object(
				'total_tokens',
				COALESCE(json_extract(tool_breakdown_json, '` + path + `.total_tokens'), 0) + excluded.total_tokens,
				'session_count',
				COALESCE(json_extract(tool_breakdown_json, '` + path + `.session_count'), 0) + 1
			)
		),
		updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query,
		newID(), userID, date,
		delta.TotalTokens(), delta.InputTokens, delta.OutputTokens,
		delta.CacheCreationTokens, delta.CacheReadTokens,
		delta.DurationSeconds, delta.TotalTokens(),
	)
	return err
}

func (r *statsRepo) ApplyLifetime(ctx context.Context, userID string, delta store.StatsDelta) error {
	path := toolPath(delta.ToolType)
	query := `
	INSERT INTO user_stats (
		user_id, total_tokens, input_tokens, output_tokens,
		cache_creation_tokens, cache_read_tokens, session_count,
		total_duration_seconds, tool_breakdown_json,
		first_session_at, last_session_at, updated_at
	) VALUES (
		?, ?, ?, ?, ?, ?, 1, ?,
		json_set('{}', '` + path + `', json_object('total_tokens', ?, 'session_count', 1)),
		?, ?, CURRENT_TIMESTAMP
	)
	ON CONFLICT(user_id) DO UPDATE SET
		total_tokens = total_tokens + excluded.total_tokens,
		input_tokens = input_tokens + excluded.input_tokens,
		output_tokens = output_tokens + excluded.output_tokens,
		cache_creation_tokens = cache_creation_tokens + excluded.cache_creation_tokens,
		cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
		session_count = session_count + 1,
		total_duration_seconds = total_duration_seconds + excluded.total_duration_seconds,
		tool_breakdown_json = json_set(
			tool_breakdown_json, '` + path + `',
			json_object(
				'total_tokens',
				COALESCE(json_extract(tool_breakdown_json, '` + path + `.total_tokens'), 0) + excluded.total_tokens,
				'session_count',
				COALESCE(json_extract(tool_breakdown_json, '` + path + `.session_count'), 0) + 1
			)
		),
		first_session_at = COALESCE(first_session_at, excluded.first_session_at),
		last_session_at = MAX(COALESCE(last_session_at, excluded.last_session_at), excluded.last_session_at),
		updated_at = CURRENT_TIMESTAMP`

	endedAt := delta.EndedAt.UTC()
	_, err := r.db.ExecContext(ctx, query,
		userID,
		delta.TotalTokens(), delta.InputTokens, delta.OutputTokens,
		delta.CacheCreationTokens, delta.CacheReadTokens,
		delta.DurationSeconds, delta.TotalTokens(),
		endedAt, endedAt,
	)
	return err
}

func (r *statsRepo) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	var s model.UserStats
	err := r.db.GetContext(ctx, &s, `SELECT * FROM user_stats WHERE user_id = ?`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	return &s, nil
}

func (r *statsRepo) GetDailyStats(ctx context.Context, userID string, days int) ([]model.DailyUserStats, error) {
	var stats []model.DailyUserStats
	query := `
	SELECT * FROM daily_user_stats
	WHERE user_id = ? AND date >= DATE('now', ?)
	ORDER BY date DESC`
	err := r.db.SelectContext(ctx, &stats, query, userID, fmt.Sprintf("-%d days", days))
	return stats, err
}

func (r *statsRepo) AvgTokensPerSession(ctx context.Context, userID string) (float64, int64, error) {
	var row struct {
		TotalTokens  int64 `db:"total_tokens"`
		SessionCount int64 `db:"session_count"`
	}
	query := `SELECT total_tokens, session_count FROM user_stats WHERE user_id = ?`
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	if row.SessionCount == 0 {
		return 0, 0, nil
	}
	return float64(row.TotalTokens) / float64(row.SessionCount), row.SessionCount, nil
}

func (r *statsRepo) Leaderboard(ctx context.Context, since time.Time, limit int) ([]model.LeaderboardRow, error) {
	var rows []model.LeaderboardRow

	if since.IsZero() {
		query := `
		SELECT
			ROW_NUMBER() OVER (ORDER BY s.total_tokens DESC) AS rank,
			u.username, u.display_name, s.total_tokens, s.session_count
		FROM user_stats s
		JOIN users u ON u.id = s.user_id
		WHERE u.is_private = 0
		ORDER BY s.total_tokens DESC
		LIMIT ?`
		err := r.db.SelectContext(ctx, &rows, query, limit)
		return rows, err
	}

	query := `
	SELECT
		ROW_NUMBER() OVER (ORDER BY SUM(d.total_tokens) DESC) AS rank,
		u.username, u.display_name,
		SUM(d.total_tokens) AS total_tokens,
		SUM(d.session_count) AS session_count
	FROM daily_user_stats d
	JOIN users u ON u.id = d.user_id
	WHERE u.is_private = 0 AND d.date >= ?
	GROUP BY d.user_id
	ORDER BY total_tokens DESC
	LIMIT ?`
	err := r.db.SelectContext(ctx, &rows, query, since.UTC().Format("2006-01-02"), limit)
	return rows, err
}

type auditRepo struct {
	db DB
}

func (r *auditRepo) Insert(ctx context.Context, e *model.AuditEntry) error {
	query := `
	INSERT INTO audit_log (id, user_id, event_type, key_prefix, ip_address, user_agent, details_json, created_at)
	VALUES (:id, :user_id, :event_type, :key_prefix, :ip_address, :user_agent, :details_json, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, e)
	return err
}
