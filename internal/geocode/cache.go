package geocode

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache stores resolved addresses.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, addr string, ttl time.Duration) error
}

type memoryEntry struct {
	addr    string
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return "", false, nil
	}
	return e.addr, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, addr string, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{addr: addr, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// RedisCache keeps addresses in Redis so every replica shares them.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, addr string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, addr, ttl).Err()
}
