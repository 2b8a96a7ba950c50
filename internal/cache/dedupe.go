package cache

import (
	"sync"
	"time"
)

// DedupeCache remembers the outcome of events that were already applied,
// so a redelivered webhook can be answered with the original result
// instead of being processed twice.
type DedupeCache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	maxSize int
}

type entry[V any] struct {
	value  V
	stored time.Time
}

// DedupeCacheOptions configures the cache.
type DedupeCacheOptions struct {
	// TTL bounds how long an outcome is remembered. Zero keeps entries until
	// they are pushed out by MaxSize.
	TTL time.Duration
	// MaxSize bounds the number of entries; the oldest go first.
	MaxSize int
}

// NewDedupeCache creates an empty cache.
func NewDedupeCache[V any](opts DedupeCacheOptions) *DedupeCache[V] {
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 4096
	}
	return &DedupeCache[V]{
		entries: make(map[string]entry[V]),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
	}
}

// Lookup returns the stored outcome for key if it is still fresh.
func (c *DedupeCache[V]) Lookup(key string) (V, bool) {
	return c.LookupAt(key, time.Now())
}

// LookupAt is Lookup with an explicit clock.
func (c *DedupeCache[V]) LookupAt(key string, now time.Time) (V, bool) {
	var zero V
	if key == "" {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.expired(e, now) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Store records the outcome for key. Empty keys are ignored.
func (c *DedupeCache[V]) Store(key string, value V) {
	c.StoreAt(key, value, time.Now())
}

// StoreAt is Store with an explicit clock.
func (c *DedupeCache[V]) StoreAt(key string, value V, now time.Time) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, stored: now}
	c.prune(now)
}

// Remove forgets key.
func (c *DedupeCache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// RemovePrefix forgets every key starting with prefix and returns the count.
func (c *DedupeCache[V]) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Size returns the number of entries, fresh or not.
func (c *DedupeCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DedupeCache[V]) expired(e entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.stored) >= c.ttl
}

func (c *DedupeCache[V]) prune(now time.Time) {
	if c.ttl > 0 {
		for k, e := range c.entries {
			if c.expired(e, now) {
				delete(c.entries, k)
			}
		}
	}
	for len(c.entries) > c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.stored.Before(oldest) {
				oldestKey, oldest = k, e.stored
			}
		}
		delete(c.entries, oldestKey)
	}
}

// EventKey scopes an idempotency marker to a call.
func EventKey(callID, marker string) string {
	if callID == "" || marker == "" {
		return ""
	}
	return callID + ":" + marker
}
