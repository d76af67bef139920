package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache implements CacheService on a shared Redis instance so
// every server replica sees the same cached views. Backend failures
// are logged at warning level and degrade to misses / no-ops; the read
// path must fall through to the source, never fail.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		logger: logger,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Cache get degraded to miss", zap.String("key", key), zap.Error(err))
		}
		return ErrCacheMiss
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// stale or foreign payload under this key, treat as miss
		c.logger.Warn("Cache entry unmarshal failed", zap.String("key", key), zap.Error(err))
		return ErrCacheMiss
	}
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("Cache set dropped", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Cache delete dropped", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// DeletePattern sweeps keys with SCAN to avoid blocking Redis the way
// KEYS would under a large keyspace.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				c.logger.Warn("Cache pattern delete dropped", zap.String("pattern", pattern), zap.Error(err))
				return nil
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("Cache pattern scan failed", zap.String("pattern", pattern), zap.Error(err))
		return nil
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			c.logger.Warn("Cache pattern delete dropped", zap.String("pattern", pattern), zap.Error(err))
		}
	}
	return nil
}
