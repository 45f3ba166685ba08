// Package querycache is the key-value store of fetched query results that the
// recovery services invalidate to force a refetch after a reconnect.
// Keys are slash separated, e.g. "bookings/restaurant-7".
package querycache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	fetchedAt time.Time
	stale     bool
}

// Cache holds query results. Invalidation marks entries stale rather than
// dropping them, so readers can keep rendering while a refetch runs.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []func(keys []string)
	now       func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Set stores a fresh value for key.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, fetchedAt: c.now()}
}

// Get returns the value for key and whether it is still fresh.
func (c *Cache) Get(key string) (value any, fresh bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	return e.value, !e.stale, true
}

// Invalidate marks every key equal to prefix or below it ("prefix/...")
// stale and returns the affected keys.
func (c *Cache) Invalidate(prefix string) []string {
	prefix = strings.TrimSuffix(prefix, "/")
	return c.invalidate(func(key string) bool {
		return key == prefix || strings.HasPrefix(key, prefix+"/")
	})
}

// InvalidateAll marks every entry stale.
func (c *Cache) InvalidateAll() []string {
	return c.invalidate(func(string) bool { return true })
}

// OnInvalidate registers fn to receive the keys of each invalidation that
// touched at least one entry.
func (c *Cache) OnInvalidate(fn func(keys []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Stale returns the keys currently awaiting a refetch.
func (c *Cache) Stale() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k, e := range c.entries {
		if e.stale {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) invalidate(match func(string) bool) []string {
	c.mu.Lock()
	var keys []string
	for k, e := range c.entries {
		if match(k) {
			e.stale = true
			keys = append(keys, k)
		}
	}
	listeners := append([]func([]string){}, c.listeners...)
	c.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	for _, fn := range listeners {
		fn(keys)
	}
	return keys
}
