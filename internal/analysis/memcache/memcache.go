// Package memcache provides an in-memory implementation of analysis.Cache.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/responder/internal/analysis"
)

// sweepInterval bounds how often Set scans for expired entries.
const sweepInterval = time.Minute

type item struct {
	entry     analysis.CacheEntry
	expiresAt time.Time
}

// Cache holds analysis results in memory with per-item expiry.
type Cache struct {
	mu        sync.Mutex
	items     map[string]item
	now       func() time.Time
	lastSweep time.Time
}

// New initializes an empty Cache.
func New() *Cache {
	return &Cache{items: make(map[string]item), now: time.Now}
}

// Get returns the entry for a signature unless it is missing or expired.
func (c *Cache) Get(_ context.Context, signature string) (*analysis.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[signature]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(it.expiresAt) {
		delete(c.items, signature)
		return nil, false, nil
	}
	e := it.entry
	return &e, true, nil
}

// Set stores an entry that expires after ttl. Later writes win. Entries that
// expired without being read again are dropped here, at most once per
// sweepInterval.
func (c *Cache) Set(_ context.Context, signature string, e *analysis.CacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) >= sweepInterval {
		for k, it := range c.items {
			if !now.Before(it.expiresAt) {
				delete(c.items, k)
			}
		}
		c.lastSweep = now
	}
	c.items[signature] = item{entry: *e, expiresAt: now.Add(ttl)}
	return nil
}
