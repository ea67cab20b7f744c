package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetTemplates retrieves the cached active-template snapshot for a tenant.
	// Returns nil, nil on a miss.
	GetTemplates(ctx context.Context, tenantID string) ([]*BankTemplate, error)

	// SetTemplates caches the active-template snapshot.
	SetTemplates(ctx context.Context, tenantID string, templates []*BankTemplate, ttl time.Duration) error

	// InvalidateTemplates drops the snapshot after a template mutation.
	InvalidateTemplates(ctx context.Context, tenantID string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for the suggestion budget (calls per tenant per window).
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	// TemplateTTL bounds how long a template snapshot is served from cache.
	TemplateTTL time.Duration `json:"templateTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`

	// RedisKeyPrefix namespaces every key; defaults to "afp".
	RedisKeyPrefix string `json:"redisKeyPrefix"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase"` // If true, check local first, then Redis
}
