package settings

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKey = "roomscan:settings"

// Cache keeps a short-lived copy of the settings table in Redis so device polls
// do not hit Postgres.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a Redis-backed settings cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached values, if any.
func (c *Cache) Get(ctx context.Context) (map[string]string, bool) {
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false
	}
	return values, true
}

// Set stores values with the cache TTL.
func (c *Cache) Set(ctx context.Context, values map[string]string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey, raw, c.ttl).Err()
}

// Invalidate drops the cached copy.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, cacheKey).Err()
}
