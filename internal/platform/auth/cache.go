package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/caredesk/internal/platform/db"
)

const (
	// DefaultCacheTTL bounds how stale a cached ownership fact can get.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheSize bounds the in-memory cache entry count.
	DefaultCacheSize = 4096
)

// OwnershipCache remembers which principal last owned a resource. It is a
// pure optimization: implementations must degrade to a miss on any internal
// failure rather than surface errors, and writers must invalidate on every
// mutation that can change ownership.
type OwnershipCache interface {
	// Get returns the cached owner for (kind, id) and whether it was found.
	Get(ctx context.Context, kind string, id uuid.UUID) (uuid.UUID, bool)

	// Put records the owner for (kind, id).
	Put(ctx context.Context, kind string, id uuid.UUID, ownerID uuid.UUID)

	// Invalidate drops the entry for (kind, id), if present.
	Invalidate(ctx context.Context, kind string, id uuid.UUID)

	// InvalidateKind drops every entry of the given kind.
	InvalidateKind(ctx context.Context, kind string)
}

type cacheEntry struct {
	owner   uuid.UUID
	expires time.Time
}

// MemoryCache is a TTL-bounded in-process ownership cache. Safe for
// concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewMemoryCache builds a cache with the given TTL and maximum entry count.
// Non-positive arguments fall back to the defaults.
func NewMemoryCache(ttl time.Duration, max int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// scopedKind prefixes the kind with the request's practice so entries from
// different practice schemas can never satisfy each other.
func scopedKind(ctx context.Context, kind string) string {
	if p := db.PracticeFromContext(ctx); p != "" {
		return p + "/" + kind
	}
	return kind
}

func cacheKey(ctx context.Context, kind string, id uuid.UUID) string {
	return scopedKind(ctx, kind) + ":" + id.String()
}

// Get returns the cached owner for (kind, id). Expired entries are removed
// and reported as misses.
func (c *MemoryCache) Get(ctx context.Context, kind string, id uuid.UUID) (uuid.UUID, bool) {
	key := cacheKey(ctx, kind, id)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return uuid.Nil, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have renewed it.
		if cur, still := c.entries[key]; still && c.now().After(cur.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return uuid.Nil, false
	}
	return e.owner, true
}

// Put records the owner for (kind, id). When the cache is full the entry
// closest to expiry is evicted first.
func (c *MemoryCache) Put(ctx context.Context, kind string, id uuid.UUID, ownerID uuid.UUID) {
	key := cacheKey(ctx, kind, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{owner: ownerID, expires: c.now().Add(c.ttl)}
}

// evictOldestLocked removes the entry with the earliest expiry. Caller holds
// the write lock.
func (c *MemoryCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.expires.Before(oldest) {
			oldestKey, oldest, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops the entry for (kind, id).
func (c *MemoryCache) Invalidate(ctx context.Context, kind string, id uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, cacheKey(ctx, kind, id))
	c.mu.Unlock()
}

// InvalidateKind drops every entry of the kind within the request's practice.
func (c *MemoryCache) InvalidateKind(ctx context.Context, kind string) {
	prefix := scopedKind(ctx, kind) + ":"
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len reports the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
