// Package cache provides a symbol-keyed sharded cache and the hash used to
// pin work for one symbol to one shard or worker.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardIndex maps key onto [0, n) with FNV-1a. The same key always lands on
// the same index, which is what keeps per-symbol ordering in worker pools.
func ShardIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Sharded is a concurrent map keyed by symbol, split into shards to keep lock
// contention low when many feeds update at once.
type Sharded[V any] struct {
	shards [numShards]*shard[V]
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// NewSharded creates an empty cache.
func NewSharded[V any]() *Sharded[V] {
	c := &Sharded[V]{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

// NewShardedPriceCache keeps the last traded price per symbol.
func NewShardedPriceCache() *Sharded[float64] {
	return NewSharded[float64]()
}

func (c *Sharded[V]) getShard(key string) *shard[V] {
	return c.shards[ShardIndex(key, numShards)]
}

// Set stores a value for a symbol.
func (c *Sharded[V]) Set(symbol string, v V) {
	s := c.getShard(symbol)
	s.mu.Lock()
	s.items[symbol] = entry[V]{value: v, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves the value for a symbol.
func (c *Sharded[V]) Get(symbol string) (V, bool) {
	s := c.getShard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	return e.value, ok
}

// GetWithAge retrieves the value and how long ago it was set.
func (c *Sharded[V]) GetWithAge(symbol string) (V, time.Duration, bool) {
	s := c.getShard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.updatedAt), true
}

// Delete removes a symbol from the cache.
func (c *Sharded[V]) Delete(symbol string) {
	s := c.getShard(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *Sharded[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many were dropped.
func (c *Sharded[V]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// GetAll returns a copy of every cached value.
func (c *Sharded[V]) GetAll() map[string]V {
	result := make(map[string]V)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			result[sym] = e.value
		}
		s.mu.RUnlock()
	}
	return result
}
