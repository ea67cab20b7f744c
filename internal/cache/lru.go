// Package cache provides tenant-scoped caches for template snapshots,
// quota counters and other short-lived pipeline state.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// LRUCache is an in-process LRU with per-entry expiry. It backs the
// Community tier and serves as L1 of the two-phase cache.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry

	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache returns an LRU holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := scopedKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		c.misses++
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(time.Now()) {
		c.removeElement(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores value under key. A non-positive ttl keeps the entry until it
// is evicted or deleted.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := scopedKey(tenantID, key)
	if err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	elem := c.order.PushFront(&cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[fullKey] = elem

	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := scopedKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetTemplates retrieves the cached active-template snapshot.
func (c *LRUCache) GetTemplates(ctx context.Context, tenantID string) ([]*domain.BankTemplate, error) {
	return getTemplates(ctx, c, tenantID)
}

// SetTemplates caches the active-template snapshot.
func (c *LRUCache) SetTemplates(ctx context.Context, tenantID string, templates []*domain.BankTemplate, ttl time.Duration) error {
	return setTemplates(ctx, c, tenantID, templates, ttl)
}

// InvalidateTemplates drops the active-template snapshot.
func (c *LRUCache) InvalidateTemplates(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, templatesKey)
}

// IncrementCounter bumps a fixed-window counter. The window starts on the
// first increment and the count resets once it elapses.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	fullKey, err := scopedKey(tenantID, "counter:"+key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.counters[fullKey]
	if ok && !now.After(entry.expiresAt) {
		entry.count++
		return entry.count, nil
	}

	if !ok && len(c.counters) >= c.maxSize {
		c.pruneCounters(now)
	}
	c.counters[fullKey] = &counterEntry{count: 1, expiresAt: now.Add(window)}
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry and counter.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counterEntry)
	return nil
}

// Stats returns the entry count and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

// HitRatio reports hits over lookups since creation, or 0 before any lookup.
func (c *LRUCache) HitRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// pruneCounters drops counters whose window has closed. Caller holds mu.
func (c *LRUCache) pruneCounters(now time.Time) {
	for k, e := range c.counters {
		if now.After(e.expiresAt) {
			delete(c.counters, k)
		}
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}

func (c *LRUCache) removeOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}
