package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// RedisClient is the subset of redis.Client the cache needs, kept as an
// interface so tests can swap in a fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Cache is a best-effort JSON key-value cache with TTL. It is never a source
// of truth; every miss must fall back to the authoritative store.
type Cache struct {
	client     RedisClient
	defaultTTL time.Duration
}

func New(client RedisClient, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{client: client, defaultTTL: defaultTTL}
}

// NewFromAddr dials redis at addr with the default client options.
func NewFromAddr(addr string, defaultTTL time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return New(rdb, defaultTTL)
}

// Get unmarshals the cached value into out, or returns ErrMiss.
func (c *Cache) Get(ctx context.Context, key string, out any) error {
	cached, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(cached), out); err != nil {
		// A corrupt entry is as good as a miss.
		c.client.Del(ctx, key)
		return ErrMiss
	}
	return nil
}

// Set stores the value under key for ttl (the default TTL when ttl <= 0).
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.client.SetEx(ctx, key, data, ttl).Err()
}

// Del removes keys, typically on write-path invalidation.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Wrap serves out from cache when possible, otherwise runs load, caches the
// result, and returns it. Cache write failures are swallowed; the loaded
// value still wins.
func (c *Cache) Wrap(ctx context.Context, key string, ttl time.Duration, out any, load func(ctx context.Context) (any, error)) error {
	if err := c.Get(ctx, key, out); err == nil {
		return nil
	}

	value, err := load(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.client.SetEx(ctx, key, data, ttl)
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// DeviceKey builds a device-scoped cache key.
func DeviceKey(prefix, deviceID string) string {
	return fmt.Sprintf("%s:%s", prefix, deviceID)
}
