// Package cache holds compiled component output across rebuilds.
//
// Entries are keyed by source path and validated against a hash of the raw
// source, so an entry is only ever returned for the exact content it was
// compiled from. Entries are replaced, never mutated, and live for the
// lifetime of the process.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// CompiledOutput is what the component compiler produced for one source.
type CompiledOutput struct {
	Code string
	Map  string
	CSS  string
}

// CompiledUnit is one cached compilation.
type CompiledUnit struct {
	// SourceID is the absolute path of the source file.
	SourceID string

	// RawContentHash is Hash of the raw source the unit was compiled from.
	RawContentHash string

	Output CompiledOutput

	// Dependencies lists imports discovered while compiling.
	Dependencies []string
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// BuildCache maps source IDs to their latest compiled unit. It is safe for
// concurrent use; the bundler transforms files in parallel. The zero value
// is an empty cache.
type BuildCache struct {
	mu    sync.RWMutex
	units map[string]*CompiledUnit

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an empty BuildCache.
func New() *BuildCache {
	return &BuildCache{units: make(map[string]*CompiledUnit)}
}

// Hash returns the content hash used to validate cache entries.
func Hash(raw []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// Get returns the unit stored for id, if any, without validating it.
func (c *BuildCache) Get(id string) (*CompiledUnit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.units[id]
	return u, ok
}

// Lookup returns the unit for id only if it was compiled from content
// with the given hash, and records a hit or miss.
func (c *BuildCache) Lookup(id, hash string) (*CompiledUnit, bool) {
	c.mu.RLock()
	u, ok := c.units[id]
	c.mu.RUnlock()

	if ok && u.RawContentHash == hash {
		c.hits.Add(1)
		return u, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores u under id, replacing any previous unit.
func (c *BuildCache) Put(id string, u *CompiledUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.units == nil {
		c.units = make(map[string]*CompiledUnit)
	}
	c.units[id] = u
}

// InvalidateIfStale removes the entry for id when its hash differs from
// currentHash. It reports whether a valid entry remains.
func (c *BuildCache) InvalidateIfStale(id, currentHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.units[id]
	if !ok {
		return false
	}
	if u.RawContentHash != currentHash {
		delete(c.units, id)
		return false
	}
	return true
}

// Delete removes the entry for id.
func (c *BuildCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.units, id)
}

// Len returns the number of cached units.
func (c *BuildCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}

// Reset drops every entry and zeroes the counters.
func (c *BuildCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.units)
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns a snapshot of the cache counters.
func (c *BuildCache) Stats() Stats {
	return Stats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
