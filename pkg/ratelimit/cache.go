package ratelimit

import (
	"sync"
	"time"
)

// EphemeralCache is a process-local, advisory map used for two things: block
// timestamps for denied identifiers, and local counters for the cached fixed
// window algorithm. It is never authoritative: a cache entry may only
// short-circuit toward "blocked", never toward "allowed" when the store would
// disagree. State is local to the process and may be stale.
type EphemeralCache interface {
	// IsBlocked reports whether identifier has an unexpired block entry and
	// the time it expires.
	IsBlocked(identifier string) (until time.Time, blocked bool)

	// BlockUntil records that identifier is blocked until the given time.
	BlockUntil(identifier string, until time.Time)

	// Incr adds n to the counter stored under key and returns the new value.
	Incr(key string, n int64) int64

	// Get returns the counter stored under key.
	Get(key string) (int64, bool)

	// Set stores a counter value under key.
	Set(key string, value int64)

	// Pop removes key.
	Pop(key string)

	// Empty removes all entries.
	Empty()
}

// cache is the built-in EphemeralCache. It stores both block timestamps and
// counters as int64 unix milliseconds / counts in a single mutex-guarded map.
type cache struct {
	mu sync.Mutex
	m  map[string]int64
}

// NewCache returns an empty in-process EphemeralCache.
func NewCache() EphemeralCache {
	return &cache{m: make(map[string]int64)}
}

func (c *cache) IsBlocked(identifier string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.m[identifier]
	if !ok {
		return time.Time{}, false
	}
	until := time.UnixMilli(v)
	if time.Now().After(until) {
		delete(c.m, identifier)
		return time.Time{}, false
	}

	return until, true
}

func (c *cache) BlockUntil(identifier string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m[identifier] = until.UnixMilli()
}

func (c *cache) Incr(key string, n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m[key] += n
	return c.m[key]
}

func (c *cache) Get(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.m[key]
	return v, ok
}

func (c *cache) Set(key string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m[key] = value
}

func (c *cache) Pop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.m, key)
}

func (c *cache) Empty() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.m)
}
