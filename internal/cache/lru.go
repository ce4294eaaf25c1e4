package cache

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/hupe1980/ttlstore/internal/resource"
)

var _ BlockCache = (*LRU)(nil)

// LRU is a BlockCache bounded by the total size of its values.
type LRU struct {
	mu       sync.Mutex
	entries  *simplelru.LRU
	capacity int64
	size     int64
	rc       *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRU creates a cache holding at most capacity bytes. Cached bytes are
// also charged against rc, which may be nil.
func NewLRU(capacity int64, rc *resource.Controller) *LRU {
	c := &LRU{capacity: capacity, rc: rc}
	// The byte budget does the bounding; the entry limit only has to be
	// positive.
	entries, err := simplelru.NewLRU(math.MaxInt32, c.onEvict)
	if err != nil {
		panic(err)
	}
	c.entries = entries
	return c
}

// onEvict runs under c.mu for every removal, including replacements.
func (c *LRU) onEvict(_, value interface{}) {
	n := int64(len(value.([]byte)))
	c.size -= n
	c.rc.ReleaseMemory(n)
}

// Get returns a cached value and marks it recently used.
func (c *LRU) Get(_ context.Context, key Key) ([]byte, bool) {
	c.mu.Lock()
	v, ok := c.entries.Get(key)
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v.([]byte), true
}

// Set caches b. Values larger than the capacity, or refused by the
// resource controller, are not cached.
func (c *LRU) Set(_ context.Context, key Key, b []byte) {
	n := int64(len(b))
	if n > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	for c.size+n > c.capacity {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
	if !c.rc.TryAcquireMemory(n) {
		return
	}
	c.entries.Add(key, b)
	c.size += n
}

// Invalidate removes the entries matching pred.
func (c *LRU) Invalidate(pred func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, k := range c.entries.Keys() {
		if pred(k.(Key)) {
			c.entries.Remove(k)
			removed++
		}
	}
	return removed
}

// Close empties the cache and returns its memory to the controller.
func (c *LRU) Close() error {
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
	return nil
}

// Stats returns the hit and miss counts since creation.
func (c *LRU) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the cached bytes.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached values.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
