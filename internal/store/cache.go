package store

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cryguy/flaredeck/internal/core"
)

// defaultCacheTTL applies when neither an explicit TTL nor a usable
// Cache-Control max-age is present.
const defaultCacheTTL = time.Hour

// Cache is an in-memory Cache API store keyed by (cache name, URL) with
// TTL expiry. It backs caches.default and named caches for one session;
// nothing persists across restarts.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheRecord
}

type cacheRecord struct {
	entry core.CacheEntry
}

var _ core.CacheStore = (*Cache)(nil)

// NewCache creates an empty cache store.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheRecord)}
}

func cacheKey(cacheName, url string) string {
	return cacheName + "\x00" + url
}

// maxAgeFromHeaders scans a serialized header block for a Cache-Control
// max-age directive, returning (seconds, true) when present.
func maxAgeFromHeaders(headers string) (int, bool) {
	lower := strings.ToLower(headers)
	idx := strings.Index(lower, "max-age=")
	if idx < 0 {
		return 0, false
	}
	rest := lower[idx+len("max-age="):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	secs, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return secs, true
}

// Match returns the cached response for the URL, or nil on miss or expiry.
func (c *Cache) Match(cacheName, url string) (*core.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(cacheName, url)
	rec, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if rec.entry.ExpiresAt != nil && time.Now().After(*rec.entry.ExpiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	entry := rec.entry
	return &entry, nil
}

// Put stores a response. An explicit ttl wins; otherwise the headers'
// Cache-Control max-age decides, falling back to a fixed default.
func (c *Cache) Put(cacheName, url string, status int, headers string, body []byte, ttl *int) error {
	seconds := 0
	switch {
	case ttl != nil:
		seconds = *ttl
	default:
		if maxAge, ok := maxAgeFromHeaders(headers); ok {
			seconds = maxAge
		} else {
			seconds = int(defaultCacheTTL / time.Second)
		}
	}

	var expiresAt *time.Time
	if seconds > 0 {
		t := time.Now().Add(time.Duration(seconds) * time.Second)
		expiresAt = &t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(cacheName, url)] = cacheRecord{entry: core.CacheEntry{
		Status:    status,
		Headers:   headers,
		Body:      body,
		ExpiresAt: expiresAt,
	}}
	return nil
}

// Delete removes a cached response, reporting whether it existed.
func (c *Cache) Delete(cacheName, url string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(cacheName, url)
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}
