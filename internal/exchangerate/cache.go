package exchangerate

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache stores fetched rate tables by key until their TTL elapses.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]decimal.Decimal, bool, error)
	Set(ctx context.Context, key string, rates map[string]decimal.Decimal, ttl time.Duration) error
}

type memoryEntry struct {
	rates   map[string]decimal.Decimal
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get returns the rates stored under key when they have not expired.
func (c *MemoryCache) Get(_ context.Context, key string) (map[string]decimal.Decimal, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expires) {
		return nil, false, nil
	}
	return entry.rates, true, nil
}

// Set stores a copy of rates under key for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, rates map[string]decimal.Decimal, ttl time.Duration) error {
	clone := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		clone[k] = v
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{rates: clone, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}
