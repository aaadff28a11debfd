package flows

import (
	"runtime"
	"sync"
	"weak"
)

// paramCache deduplicates per-parameter flow instances the way
// golang-tools/gopls's internal/cache futureCache[K,V] deduplicates
// in-flight work: the first caller for a given key creates the entry,
// later callers with an equal key reuse it, and the entry is dropped
// once nothing holds a strong reference to it anymore. Here "in-flight"
// becomes "currently subscribed or referenced" and the dedupe key is the
// computed flow's parameter rather than a cache identity.
//
// Entries are held by weak.Pointer so that parameterized flows nobody
// is using are collected rather than accumulating forever.
//
// equals, if set, replaces the default O(1) map lookup with a linear
// scan over entries comparing each stored key against the requested
// one: needed whenever K's built-in == is not the equality under which
// two keys should dedupe to the same cached value.
type paramCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]weak.Pointer[V]
	equals  func(a, b K) bool
}

func newParamCache[K comparable, V any](equals func(a, b K) bool) *paramCache[K, V] {
	return &paramCache[K, V]{entries: make(map[K]weak.Pointer[V]), equals: equals}
}

// getOrCreate returns the live instance for key, creating one with
// create if none exists or the previous one has already been collected.
// The returned strong pointer must be kept alive by the caller for as
// long as it is in use; once it is no longer referenced and is garbage
// collected, a cleanup removes the cache's weak entry so a later call
// starts fresh.
func (c *paramCache[K, V]) getOrCreate(key K, create func() *V) *V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.equals == nil {
		if wp, ok := c.entries[key]; ok {
			if v := wp.Value(); v != nil {
				return v
			}
			delete(c.entries, key)
		}
	} else if v := c.findLocked(key); v != nil {
		return v
	}

	v := create()
	c.entries[key] = weak.Make(v)
	runtime.AddCleanup(v, c.evict, key)
	return v
}

// findLocked scans the entries for the first one whose key compares
// equal to key under c.equals and returns its live instance; if that
// entry is dead it is evicted and nil is returned. Entries whose keys do
// not match are not checked for liveness. Must be called with c.mu held.
func (c *paramCache[K, V]) findLocked(key K) *V {
	for k, wp := range c.entries {
		if !c.equals(k, key) {
			continue
		}
		if live := wp.Value(); live != nil {
			return live
		}
		delete(c.entries, k)
		return nil
	}
	return nil
}

// evict drops key's entry once the instance it pointed to has been
// collected, provided the map slot hasn't already been replaced by a
// newer instance in the meantime.
func (c *paramCache[K, V]) evict(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wp, ok := c.entries[key]; ok && wp.Value() == nil {
		delete(c.entries, key)
	}
}
