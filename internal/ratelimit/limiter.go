package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Class selects the per-endpoint-class cap. Identities are user ids,
// or "ip:"-prefixed addresses on unauthenticated endpoints.
type Class string

const (
	ClassSubmit Class = "submit"
	ClassAuth   Class = "auth"
	ClassPublic Class = "public"
)

// Result is the admission decision. ResetAt is surfaced to clients as
// a Retry-After hint.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is a sliding-window limiter backed by Redis so all server
// replicas share one logical window. When Redis is unreachable the
// behavior depends on mode: "strict" rejects everything, "graceful"
// (default) degrades to a per-instance window with a deliberately
// lower cap, since an in-memory counter only sees one instance's
// traffic.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
	cfg    config.RateLimitConfig
	caps   map[Class]int
	now    func() time.Time

	mu        sync.RWMutex
	fallback  map[string]*rate.Limiter
	downUntil time.Time
}

func New(client *redis.Client, logger *zap.Logger, cfg config.RateLimitConfig) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FallbackPerMinute <= 0 {
		cfg.FallbackPerMinute = 10
	}
	return &Limiter{
		client: client,
		logger: logger,
		cfg:    cfg,
		caps: map[Class]int{
			ClassSubmit: cfg.SubmitPerWindow,
			ClassAuth:   cfg.AuthPerWindow,
			ClassPublic: cfg.PublicPerWindow,
		},
		now:      time.Now,
		fallback: make(map[string]*rate.Limiter),
	}
}

// Allow admits or rejects one request for identity under class.
func (l *Limiter) Allow(ctx context.Context, class Class, identity string) Result {
	cap := l.caps[class]
	if cap <= 0 {
		cap = 100
	}

	if l.client != nil && l.available() {
		res, err := l.allowRedis(ctx, class, identity, cap)
		if err == nil {
			return res
		}

		l.markDown()
		l.logger.Warn("Rate limit store unreachable",
			zap.String("class", string(class)),
			zap.Error(err),
		)
	}

	if l.cfg.Mode == "strict" {
		// protect against abuse at the cost of availability
		return Result{Allowed: false, Remaining: 0, ResetAt: l.now().Add(l.cfg.RetryCooldown)}
	}

	return l.allowFallback(identity)
}

// Reset clears all local limiter state. Teardown hook for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = make(map[string]*rate.Limiter)
	l.downUntil = time.Time{}
}

func (l *Limiter) allowRedis(ctx context.Context, class Class, identity string, cap int) (Result, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", class, identity)
	now := l.now()
	windowStart := now.Add(-l.cfg.Window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	count := int(countCmd.Val())
	if count >= cap {
		resetAt := now.Add(l.cfg.Window)
		if oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(l.cfg.Window)
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	add := l.client.TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.New().String()})
	add.Expire(ctx, key, l.cfg.Window+time.Second)
	if _, err := add.Exec(ctx); err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   true,
		Remaining: cap - count - 1,
		ResetAt:   now.Add(l.cfg.Window),
	}, nil
}

// allowFallback serves from a per-identity token bucket capped well
// below the distributed limit.
func (l *Limiter) allowFallback(identity string) Result {
	limiter := l.getFallback(identity)

	allowed := limiter.Allow()
	remaining := int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   l.now().Add(l.cfg.Window),
	}
}

func (l *Limiter) getFallback(identity string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.fallback[identity]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = l.fallback[identity]; exists {
		return limiter
	}

	perSecond := rate.Limit(float64(l.cfg.FallbackPerMinute) / 60.0)
	limiter = rate.NewLimiter(perSecond, l.cfg.FallbackPerMinute)
	l.fallback[identity] = limiter

	return limiter
}

// available reports whether the distributed store may be tried. After
// a failure it is left alone for the cooldown period instead of being
// hammered while degraded.
func (l *Limiter) available() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now().After(l.downUntil)
}

func (l *Limiter) markDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cooldown := l.cfg.RetryCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	l.downUntil = l.now().Add(cooldown)
}
