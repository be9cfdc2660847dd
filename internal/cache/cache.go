package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 256

// Cache is a TTL-bounded read cache for repository getters. Writes invalidate
// their keys explicitly; the TTL only bounds staleness for readers that share
// the store with another process.
type Cache struct {
	lru *expirable.LRU[string, any]
}

// New returns a cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, any](defaultSize, nil, ttl)}
}

func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *Cache) Set(key string, v any) {
	if c == nil {
		return
	}
	c.lru.Add(key, v)
}

// Invalidate drops the given keys. Called from every repository write path.
func (c *Cache) Invalidate(keys ...string) {
	if c == nil {
		return
	}
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

// Purge drops everything.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
