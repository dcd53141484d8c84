package segment

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheTTL is how long an idle session entry is kept
	DefaultCacheTTL = 30 * time.Minute
	// DefaultCacheSize bounds the number of (session, image) entries
	DefaultCacheSize = 1024
)

type cacheKey struct {
	session string
	image   string
}

// entry is the cached work of one session on one image
type entry struct {
	mu     sync.Mutex
	height int
	width  int
	parts  map[string]*Prediction
}

// SessionCache holds the last prediction per part for each (session, image)
// pair. Entries expire after a period without use.
type SessionCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[cacheKey, *entry]
}

// NewSessionCache creates a cache bounded by size entries, each expiring ttl
// after its last use
func NewSessionCache(size int, ttl time.Duration) *SessionCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SessionCache{
		lru: expirable.NewLRU[cacheKey, *entry](size, nil, ttl),
	}
}

// get returns the entry for (session, image), creating it if needed. Every
// access pushes the expiry forward.
func (c *SessionCache) get(session, image string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{session: session, image: image}
	e, ok := c.lru.Get(key)
	if !ok {
		e = &entry{parts: map[string]*Prediction{}}
	}
	c.lru.Add(key, e)
	return e
}

// InvalidateImage drops every session's entry for image and returns how many
// were removed
func (c *SessionCache) InvalidateImage(image string) int {
	return c.removeWhere(func(k cacheKey) bool { return k.image == image })
}

// ClearSession drops every entry of a session
func (c *SessionCache) ClearSession(session string) int {
	return c.removeWhere(func(k cacheKey) bool { return k.session == session })
}

func (c *SessionCache) removeWhere(match func(cacheKey) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if match(key) && c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (c *SessionCache) Len() int {
	return c.lru.Len()
}
