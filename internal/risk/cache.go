package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openidx/loginguard/internal/common/database"
	"github.com/openidx/loginguard/internal/metrics"
)

// Cache is the key/value store shared by the resolver and the reputation
// checker. Entries are independent; concurrent writers to one key are
// last-writer-wins.
type Cache interface {
	// Get returns ErrCacheMiss when key is absent
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// DeletePattern removes every key matching a glob pattern and returns how many were removed
	DeletePattern(ctx context.Context, pattern string) (int64, error)
}

const scanBatch = 500

// RedisCache implements Cache on Redis. All keys are stored under prefix so
// the service can share a Redis database with the host application.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis backed cache
func NewRedisCache(rc *database.RedisClient, prefix string) *RedisCache {
	return &RedisCache{client: rc.Client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.RecordCacheOperation("get", "miss")
		return "", ErrCacheMiss
	case err != nil:
		metrics.RecordCacheOperation("get", "error")
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}
	metrics.RecordCacheOperation("get", "hit")
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		metrics.RecordCacheOperation("set", "error")
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	metrics.RecordCacheOperation("set", "ok")
	return nil
}

// DeletePattern walks the keyspace with SCAN rather than KEYS so a flush
// does not block Redis.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	batch := make([]string, 0, scanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, c.prefix+pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				metrics.RecordCacheOperation("delete", "error")
				return deleted, fmt.Errorf("cache delete %s: %w", pattern, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		metrics.RecordCacheOperation("delete", "error")
		return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
	}
	if err := flush(); err != nil {
		metrics.RecordCacheOperation("delete", "error")
		return deleted, fmt.Errorf("cache delete %s: %w", pattern, err)
	}
	metrics.RecordCacheOperation("delete", "ok")
	return deleted, nil
}
