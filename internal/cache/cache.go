// Package cache provides the bounded, expiring key/value store shared by the
// provider client and the synchronizer. It never holds authoritative data; a
// miss always falls through to the store or the provider.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a size-bounded LRU with a per-entry TTL. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New creates a cache holding at most size entries, each for at most ttl.
// A non-positive size falls back to 1; a non-positive ttl disables expiry.
func New[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	if size <= 0 {
		size = 1
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get returns the cached value and whether it was present and unexpired
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value under key, evicting the least recently used entry if full
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Invalidate drops key if present
func (c *Cache[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

// Len returns the number of live entries
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}
