package cache

import (
	"context"
	"errors"
	"reflect"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent, expired, or
// the backing store is unreachable. Callers never distinguish the
// three: a degraded cache is just a cache that always misses.
var ErrCacheMiss = errors.New("cache: miss")

// CacheService defines the interface for the read-path cache.
// Implementations must absorb backend failures: Get degrades to a
// miss, Set and Delete to no-ops.
type CacheService interface {
	// Get retrieves a value from the cache.
	// The implementation should unmarshal the data into the 'dest' pointer.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in the cache with a TTL.
	// The implementation should marshal the value.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching a glob pattern. Used
	// after a write to sweep all leaderboard pages the write could
	// have changed.
	DeletePattern(ctx context.Context, pattern string) error
}

// WithCache is the cache-aside helper: return the cached value when
// present, otherwise compute via fn, store, and return. Empty results
// are stored with emptyTTL so known-empty reads do not hammer the
// source but recover quickly once data appears.
func WithCache[T any](ctx context.Context, c CacheService, key string, ttl, emptyTTL time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if err := c.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	value, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	storeTTL := ttl
	if isEmpty(value) {
		storeTTL = emptyTTL
	}
	_ = c.Set(ctx, key, value, storeTTL)

	return value, nil
}

func isEmpty(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map, reflect.String:
		return rv.Len() == 0
	default:
		return false
	}
}
