package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// New builds the cache named by cfg.Type: "memory" for the LRU, "redis"
// for Redis alone or, with EnableTwoPhase, an LRU in front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported cache type %q", domain.ErrInvalidInput, cfg.Type)
	}
}

// generationKey counts template invalidations for a tenant. L1 snapshots
// are stored under the generation they were read at, so bumping it retires
// every node's copy at once.
const generationKey = "templates:gen"

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2).
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  NewLRUCache(cfg.LocalMaxSize),
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes to both levels. L1 never outlives its own TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, c.localTTL(ttl)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetTemplates serves the snapshot from L1 when it was cached at the
// current generation, otherwise from Redis.
func (c *TwoPhaseCache) GetTemplates(ctx context.Context, tenantID string) ([]*domain.BankTemplate, error) {
	gen, err := c.generation(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	l1Key := templatesKey + ":" + gen

	if templates, err := getTemplatesAt(ctx, c.local, tenantID, l1Key); err != nil || templates != nil {
		return templates, err
	}

	templates, err := getTemplates(ctx, c.remote, tenantID)
	if err != nil || templates == nil {
		return templates, err
	}
	if err := setTemplatesAt(ctx, c.local, tenantID, l1Key, templates, c.l1TTL); err != nil {
		return nil, err
	}
	return templates, nil
}

// SetTemplates writes the snapshot to both levels.
func (c *TwoPhaseCache) SetTemplates(ctx context.Context, tenantID string, templates []*domain.BankTemplate, ttl time.Duration) error {
	gen, err := c.generation(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := setTemplatesAt(ctx, c.local, tenantID, templatesKey+":"+gen, templates, c.localTTL(ttl)); err != nil {
		return err
	}
	return setTemplates(ctx, c.remote, tenantID, templates, ttl)
}

// InvalidateTemplates bumps the tenant's generation and drops the Redis
// snapshot. A node that read the old generation just before the bump may
// still write one stale snapshot; ttl bounds how long it is served.
func (c *TwoPhaseCache) InvalidateTemplates(ctx context.Context, tenantID string) error {
	if _, err := c.remote.incr(ctx, tenantID, generationKey); err != nil {
		return err
	}
	return c.remote.InvalidateTemplates(ctx, tenantID)
}

// IncrementCounter uses Redis for distributed atomic counters.
// L1 is not used for counters to ensure accuracy across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// generation reads the invalidation counter; a missing counter is "0".
func (c *TwoPhaseCache) generation(ctx context.Context, tenantID string) (string, error) {
	val, err := c.remote.Get(ctx, tenantID, generationKey)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "0", nil
	}
	if _, err := strconv.ParseInt(string(val), 10, 64); err != nil {
		return "", fmt.Errorf("corrupt template generation %q: %w", val, err)
	}
	return string(val), nil
}
