// Package cache provides a small LRU wrapper used by components that
// want bounded in-memory caching without pulling in a backing store of
// their own, instrumented with per-cache hit/miss counters so a
// misconfigured size shows up on the metrics surface rather than only
// as a slow RPC.
package cache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/xaya/xayax/metrics"
)

// Cache is the read/write contract callers depend on; Invalidate exists
// so a component that learns a cached value is now stale (a reorg
// undoing a block a header cache already answered for) can evict it
// without waiting for LRU pressure to do so naturally.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	Invalidate(key string)
	Len() int
}

const DefaultCacheSize = 1024

// LocalCache wraps an in-process LRU, reporting every lookup's outcome
// under name on the shared metrics registry.
type LocalCache struct {
	name string
	lru  *lru.Cache
}

// NewLocalCache builds a LocalCache of the given size, labelling its
// lookup metrics with name (e.g. "block-header").
func NewLocalCache(name string, size uint64) (Cache, error) {
	c, err := lru.New(int(size))
	if err != nil {
		return nil, err
	}
	return &LocalCache{name: name, lru: c}, nil
}

func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.lru.Get(key)
	result := "miss"
	if ok {
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.name, result).Inc()
	return val, ok
}

func (c *LocalCache) Set(key string, value interface{}) {
	c.lru.Add(key, value)
}

func (c *LocalCache) Invalidate(key string) {
	c.lru.Remove(key)
}

func (c *LocalCache) Len() int {
	return c.lru.Len()
}
