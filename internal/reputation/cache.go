package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlockCache caches block state in Redis. Entries expire after ttl and
// are overwritten on every block or unblock.
type RedisBlockCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBlockCache creates a cache.
func NewRedisBlockCache(client *redis.Client, prefix string, ttl time.Duration) *RedisBlockCache {
	if prefix == "" {
		prefix = "reputation:block"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBlockCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisBlockCache) key(id Identity) string {
	return c.prefix + ":" + id.String()
}

// Get implements BlockCache.
func (c *RedisBlockCache) Get(ctx context.Context, id Identity) (bool, bool, error) {
	val, err := c.client.Get(ctx, c.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

// Set implements BlockCache.
func (c *RedisBlockCache) Set(ctx context.Context, id Identity, blocked bool) error {
	return c.client.Set(ctx, c.key(id), encodeBlocked(blocked), c.ttl).Err()
}

// Fill implements BlockCache with SET NX.
func (c *RedisBlockCache) Fill(ctx context.Context, id Identity, blocked bool) error {
	return c.client.SetNX(ctx, c.key(id), encodeBlocked(blocked), c.ttl).Err()
}

func encodeBlocked(blocked bool) string {
	if blocked {
		return "1"
	}
	return "0"
}

// Invalidate implements BlockCache.
func (c *RedisBlockCache) Invalidate(ctx context.Context, id Identity) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
