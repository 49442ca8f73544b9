// Package memcache provides a small in-memory TTL cache. It fronts the
// remote fetch path so a burst of fetchAll calls within the TTL window hits
// the network once; every mutation invalidates the affected keys.
package memcache

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the cache lifetime applied when Set is called with a
// non-positive TTL.
const DefaultTTL = 5 * time.Minute

type entry struct {
	data      any
	expiresAt time.Time
	createdAt time.Time
}

// Stats summarizes cache occupancy.
type Stats struct {
	TotalItems   int
	ValidItems   int
	ExpiredItems int
}

// Cache is a TTL map safe for concurrent use. The zero value is not usable;
// call New.
type Cache struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Set stores data under key for the given TTL (DefaultTTL if ttl <= 0).
func (c *Cache) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{data: data, expiresAt: now.Add(ttl), createdAt: now}
}

// Get returns the cached value for key, or (nil, false) if absent or
// expired. Expired entries are removed on read.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.now().After(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return item.data, true
}

// Has reports whether key holds a live entry.
func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry)
}

// Cleanup removes expired entries.
func (c *Cache) Cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix - the
// per-entity invalidation used after a mutation.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

// GetOrFetch returns the cached value for key, or calls fetch, caches its
// result for ttl, and returns it. A fetch error is returned uncached.
func (c *Cache) GetOrFetch(key string, ttl time.Duration, fetch func() (any, error)) (any, error) {
	if data, ok := c.Get(key); ok {
		return data, nil
	}
	data, err := fetch()
	if err != nil {
		return nil, err
	}
	c.Set(key, data, ttl)
	return data, nil
}

// GetStats returns occupancy counts.
func (c *Cache) GetStats() Stats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{TotalItems: len(c.items)}
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			s.ExpiredItems++
		} else {
			s.ValidItems++
		}
	}
	return s
}
