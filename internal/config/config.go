package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	Env            string        `mapstructure:"env"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// AuthConfig holds key-lifecycle and signature-verification knobs.
// MasterKey encrypts the one-time-display copy of raw API keys;
// KeyPepper is the server-side salt of the deterministic key hash.
// Both must be set outside development.
type AuthConfig struct {
	MasterKey          string        `mapstructure:"master_key"`
	KeyPepper          string        `mapstructure:"key_pepper"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	MaxActiveKeys      int           `mapstructure:"max_active_keys"`
}

// RateLimitConfig configures the sliding-window limiter. Caps are per
// endpoint class, not global. Mode selects the backend-outage policy:
// "strict" rejects everything, "graceful" degrades to a weaker
// in-process window.
type RateLimitConfig struct {
	Mode              string        `mapstructure:"mode"`
	Window            time.Duration `mapstructure:"window"`
	SubmitPerWindow   int           `mapstructure:"submit_per_window"`
	AuthPerWindow     int           `mapstructure:"auth_per_window"`
	PublicPerWindow   int           `mapstructure:"public_per_window"`
	FallbackPerMinute int           `mapstructure:"fallback_per_minute"`
	RetryCooldown     time.Duration `mapstructure:"retry_cooldown"`
}

// IngestConfig holds the soft thresholds of the ingestion gates. The
// anomaly multiplier and minimum interval moved around a lot in
// production to accommodate batch-submitting daemons; they are
// configuration, never constants.
type IngestConfig struct {
	MinSessionInterval time.Duration `mapstructure:"min_session_interval"`
	AnomalyMultiplier  float64       `mapstructure:"anomaly_multiplier"`
	EndedAtTolerance   time.Duration `mapstructure:"ended_at_tolerance"`
	MaxTokensPerClass  int64         `mapstructure:"max_tokens_per_class"`
	MaxDurationSeconds int64         `mapstructure:"max_duration_seconds"`
	MaxTurnCount       int64         `mapstructure:"max_turn_count"`
	MaxDocumentBytes   int           `mapstructure:"max_document_bytes"`
}

type CacheConfig struct {
	StatsTTL       time.Duration `mapstructure:"stats_ttl"`
	LeaderboardTTL time.Duration `mapstructure:"leaderboard_ttl"`
	EmptyTTL       time.Duration `mapstructure:"empty_ttl"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Default Values
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.request_timeout", "10s")

	v.SetDefault("database.dsn", "file:telemetry.db?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000&_fk=1")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	v.SetDefault("auth.master_key", "")
	v.SetDefault("auth.key_pepper", "")
	v.SetDefault("auth.timestamp_tolerance", "300s")
	v.SetDefault("auth.max_active_keys", 5)

	v.SetDefault("rate_limit.mode", "graceful")
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.submit_per_window", 100)
	v.SetDefault("rate_limit.auth_per_window", 20)
	v.SetDefault("rate_limit.public_per_window", 300)
	v.SetDefault("rate_limit.fallback_per_minute", 10)
	v.SetDefault("rate_limit.retry_cooldown", "30s")

	v.SetDefault("ingest.min_session_interval", "1s")
	v.SetDefault("ingest.anomaly_multiplier", 10.0)
	v.SetDefault("ingest.ended_at_tolerance", "24h")
	v.SetDefault("ingest.max_tokens_per_class", 50_000_000)
	v.SetDefault("ingest.max_duration_seconds", 86_400)
	v.SetDefault("ingest.max_turn_count", 10_000)
	v.SetDefault("ingest.max_document_bytes", 65_536)

	v.SetDefault("cache.stats_ttl", "5m")
	v.SetDefault("cache.leaderboard_ttl", "1m")
	v.SetDefault("cache.empty_ttl", "30s")

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if cfg.Server.Env == "production" {
		if cfg.Auth.MasterKey == "" || cfg.Auth.KeyPepper == "" {
			return nil, fmt.Errorf("auth.master_key and auth.key_pepper are required in production")
		}
	}

	return &cfg, nil
}
