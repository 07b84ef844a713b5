// Package cache is the in-process response cache for the HTTP API: an LRU
// with per-entry TTLs and batch eviction. A redis broadcast (broadcast.go)
// keeps caches coherent when several instances run against one database.
package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity bounds the entry count. When the cache is full the oldest
// tenth is dropped in one batch, so inserts under churn do not evict one by
// one.
const DefaultCapacity = 1000

// entryOverhead approximates per-entry bookkeeping for the memory estimate.
const entryOverhead = 64

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache stores marshaled JSON payloads keyed by request shape. All methods
// are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *entry]
	capacity int
	memBytes int64

	hits      uint64
	misses    uint64
	sets      uint64
	deletes   uint64
	evictions uint64

	now func() time.Time
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Deletes     uint64  `json:"deletes"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memoryBytes"`
	HitRate     float64 `json:"hitRate"`
}

// New builds a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{capacity: capacity, now: time.Now}
	// capacity+1 keeps simplelru from evicting on its own; the batch
	// eviction in Set owns that decision.
	lru, err := simplelru.NewLRU[string, *entry](capacity+1, c.onEvict)
	if err != nil {
		panic(fmt.Sprintf("cache: %v", err))
	}
	c.lru = lru
	return c
}

func (c *Cache) onEvict(key string, e *entry) {
	c.memBytes -= int64(len(key) + len(e.value) + entryOverhead)
}

// Get returns the cached payload for key. Expired entries are removed on
// read and count as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Has reports whether key is cached and fresh, without moving recency or
// touching the hit counters.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	return ok && !c.now().After(e.expiresAt)
}

// Set marshals v and stores it under key for ttl.
func (c *Cache) Set(key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	c.SetBytes(key, b, ttl)
	return nil
}

// SetBytes stores an already-marshaled payload under key for ttl.
func (c *Cache) SetBytes(key string, b []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		c.evictBatch()
	}
	if old, ok := c.lru.Peek(key); ok {
		c.memBytes -= int64(len(key) + len(old.value) + entryOverhead)
	}
	c.lru.Add(key, &entry{value: b, expiresAt: c.now().Add(ttl)})
	c.memBytes += int64(len(key) + len(b) + entryOverhead)
	c.sets++
}

// evictBatch drops the oldest tenth of the cache, at least one entry.
// Caller holds the lock.
func (c *Cache) evictBatch() {
	n := c.capacity / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			return
		}
		c.evictions++
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.lru.Remove(key)
	if ok {
		c.deletes++
	}
	return ok
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.deletes += uint64(removed)
	return removed
}

// Invalidate removes the given keys and prefixes from this instance.
func (c *Cache) Invalidate(keys []string, prefixes []string) {
	for _, k := range keys {
		c.Delete(k)
	}
	for _, p := range prefixes {
		c.DeletePrefix(p)
	}
}

// Purge empties the cache. Counters survive.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.memBytes = 0
}

// Len returns the current entry count, counting expired entries that have
// not been read yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Sets:        c.sets,
		Deletes:     c.deletes,
		Evictions:   c.evictions,
		Entries:     c.lru.Len(),
		MemoryBytes: c.memBytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
