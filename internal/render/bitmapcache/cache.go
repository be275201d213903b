// Package bitmapcache is a byte-budgeted LRU cache for rendered bitmaps.
package bitmapcache

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

// Entry is a cached value with an accounted allocation size. Entries may be
// invalidated externally, in which case IsLive reports false and the cache
// purges them on lookup.
type Entry interface {
	ByteSize() int64
	IsLive() bool
}

// Snapshot is a read-only view of cache counters for diagnostics
type Snapshot struct {
	Name          string `json:"name"`
	SizeBytes     int64  `json:"size_bytes"`
	MaxBytes      int64  `json:"max_bytes"`
	Entries       int    `json:"entries"`
	HitCount      int64  `json:"hit_count"`
	MissCount     int64  `json:"miss_count"`
	PutCount      int64  `json:"put_count"`
	EvictionCount int64  `json:"eviction_count"`
}

type cacheItem[V Entry] struct {
	value V
	size  int64
}

// Cache holds entries in strict recency order and never exceeds its budget.
// The recency list bounds bytes, not entries, so its entry limit is only a
// backstop.
type Cache[K comparable, V Entry] struct {
	name     string
	maxBytes int64
	logger   *zap.Logger

	mu        sync.Mutex
	lru       *simplelru.LRU[K, cacheItem[V]]
	usedBytes int64

	hits      int64
	misses    int64
	puts      int64
	evictions int64
}

const maxEntries = math.MaxInt32

// New creates a cache with a fixed byte budget
func New[K comparable, V Entry](name string, maxBytes int64, logger *zap.Logger) (*Cache[K, V], error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache %q budget must be positive, got %d", name, maxBytes)
	}

	c := &Cache[K, V]{
		name:     name,
		maxBytes: maxBytes,
		logger:   logger,
	}
	lru, err := simplelru.NewLRU[K, cacheItem[V]](maxEntries, c.onRemoved)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", name, err)
	}
	c.lru = lru

	logger.Info("Bitmap cache initialized",
		zap.String("cache", name),
		zap.Int64("max_bytes", maxBytes))
	return c, nil
}

// onRemoved runs under c.mu for every entry leaving the recency list
func (c *Cache[K, V]) onRemoved(_ K, item cacheItem[V]) {
	c.usedBytes -= item.size
}

// Name identifies the cache in logs and metrics
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Get returns the live entry for key and marks it most recently used.
// A dead entry is purged and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if !item.value.IsLive() {
		c.lru.Remove(key)
		c.misses++
		c.logger.Debug("Purged dead cache entry",
			zap.String("cache", c.name),
			zap.Int64("size_bytes", item.size))
		return zero, false
	}

	c.hits++
	return item.value, true
}

// Peek is Get without touching the hit and miss counters. Render jobs use it
// to re-check the cache after the caller already counted its miss.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if !item.value.IsLive() {
		c.lru.Remove(key)
		return zero, false
	}
	return item.value, true
}

// Put inserts or replaces the entry for key, evicting least recently used
// entries until it fits. Entries that are not live or larger than the whole
// budget are rejected and Put returns false.
func (c *Cache[K, V]) Put(key K, value V) bool {
	if !value.IsLive() {
		return false
	}
	size := value.ByteSize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxBytes {
		c.logger.Debug("Rejected oversized cache entry",
			zap.String("cache", c.name),
			zap.Int64("size_bytes", size),
			zap.Int64("max_bytes", c.maxBytes))
		return false
	}

	// A replaced entry is not an eviction
	c.lru.Remove(key)

	evicted := 0
	for c.usedBytes+size > c.maxBytes {
		if !c.evictOldestLocked() {
			break
		}
		evicted++
	}

	c.lru.Add(key, cacheItem[V]{value: value, size: size})
	c.usedBytes += size
	c.puts++

	if evicted > 0 {
		c.logger.Debug("Evicted entries to fit new bitmap",
			zap.String("cache", c.name),
			zap.Int("evicted", evicted),
			zap.Int64("used_bytes", c.usedBytes))
	}
	return true
}

// TrimToFraction evicts least recently used entries until the used size is at
// most fraction of what it was. fraction <= 0 clears the cache and
// fraction >= 1 does nothing. Returns the number of evicted entries.
func (c *Cache[K, V]) TrimToFraction(fraction float64) int {
	if fraction >= 1 {
		return 0
	}
	if fraction <= 0 {
		return c.EvictAll()
	}

	c.mu.Lock()
	before := c.usedBytes
	target := int64(float64(before) * fraction)
	evicted := 0
	for c.usedBytes > target {
		if !c.evictOldestLocked() {
			break
		}
		evicted++
	}
	after := c.usedBytes
	c.mu.Unlock()

	c.logger.Debug("Trimmed bitmap cache",
		zap.String("cache", c.name),
		zap.Float64("fraction", fraction),
		zap.Int64("before_bytes", before),
		zap.Int64("after_bytes", after),
		zap.Int("evicted", evicted))
	return evicted
}

// EvictAll releases every entry. Returns the number of evicted entries.
func (c *Cache[K, V]) EvictAll() int {
	c.mu.Lock()
	evicted := c.lru.Len()
	freed := c.usedBytes
	c.lru.Purge()
	c.usedBytes = 0
	c.evictions += int64(evicted)
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.Info("Evicted all bitmap cache entries",
			zap.String("cache", c.name),
			zap.Int("evicted", evicted),
			zap.Int64("freed_bytes", freed))
	}
	return evicted
}

func (c *Cache[K, V]) evictOldestLocked() bool {
	if _, _, ok := c.lru.RemoveOldest(); !ok {
		return false
	}
	c.evictions++
	return true
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[K, V]) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

func (c *Cache[K, V]) MaxBytes() int64 {
	return c.maxBytes
}

func (c *Cache[K, V]) HitCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func (c *Cache[K, V]) MissCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

func (c *Cache[K, V]) PutCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func (c *Cache[K, V]) EvictionCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Snapshot returns all counters taken under one lock
func (c *Cache[K, V]) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Name:          c.name,
		SizeBytes:     c.usedBytes,
		MaxBytes:      c.maxBytes,
		Entries:       c.lru.Len(),
		HitCount:      c.hits,
		MissCount:     c.misses,
		PutCount:      c.puts,
		EvictionCount: c.evictions,
	}
}
