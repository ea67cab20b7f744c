package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and starts its window on first use.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache stores entries in Redis so every node shares template
// snapshots and quota counters. It is the Pro tier cache and L2 of the
// two-phase cache.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to cfg.RedisAddr and verifies the connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.RedisKeyPrefix
	if prefix == "" {
		prefix = "afp"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		ClientName:   "afp",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get returns nil, nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := c.key(tenantID, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value with ttl. A non-positive ttl stores without expiry.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := c.key(tenantID, key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, fullKey, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := c.key(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, fullKey).Err()
}

// GetTemplates retrieves the cached active-template snapshot.
func (c *RedisCache) GetTemplates(ctx context.Context, tenantID string) ([]*domain.BankTemplate, error) {
	return getTemplates(ctx, c, tenantID)
}

// SetTemplates caches the active-template snapshot.
func (c *RedisCache) SetTemplates(ctx context.Context, tenantID string, templates []*domain.BankTemplate, ttl time.Duration) error {
	return setTemplates(ctx, c, tenantID, templates, ttl)
}

// InvalidateTemplates drops the active-template snapshot for every node.
func (c *RedisCache) InvalidateTemplates(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, templatesKey)
}

// IncrementCounter runs incrScript so the increment and the window expiry
// are applied atomically.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	fullKey, err := c.key(tenantID, "counter:"+key)
	if err != nil {
		return 0, err
	}

	n, err := incrScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// incr bumps a counter that never expires.
func (c *RedisCache) incr(ctx context.Context, tenantID, key string) (int64, error) {
	fullKey, err := c.key(tenantID, key)
	if err != nil {
		return 0, err
	}
	return c.client.Incr(ctx, fullKey).Result()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(tenantID, key string) (string, error) {
	scoped, err := scopedKey(tenantID, key)
	if err != nil {
		return "", err
	}
	return c.prefix + ":" + scoped, nil
}
