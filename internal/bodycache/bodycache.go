// Package bodycache implements the Body Cache (C2): a bounded
// in-memory LRU of rendered HTML bodies keyed by UID, evicting by
// least-recent access once full.
package bodycache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Capacity is the process-wide cache size.
const Capacity = 50

// Cache wraps a fixed-capacity LRU; Get touches recency, Put evicts
// the least-recently-accessed entry only when the map is full and the
// key is new.
type Cache struct {
	lru *lru.Cache[uint32, string]
}

// New constructs a Body Cache with the given capacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = Capacity
	}
	c, err := lru.New[uint32, string](capacity)
	if err != nil {
		// Only possible on a non-positive size, already guarded above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Get returns the cached HTML for uid, marking it most-recently-used.
func (c *Cache) Get(uid uint32) (string, bool) {
	return c.lru.Get(uid)
}

// Put inserts or updates the cached HTML for uid.
func (c *Cache) Put(uid uint32, html string) {
	c.lru.Add(uid, html)
}

// Len reports the current number of cached entries, used by tests to
// assert the |map| ≤ 50 invariant.
func (c *Cache) Len() int {
	return c.lru.Len()
}
