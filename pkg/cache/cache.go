// Package cache holds rendered dashboard responses for a short time so that
// bursts of identical reads do not each rebuild a telemetry snapshot.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	body        []byte
	contentType string
	expiresAt   time.Time
	insertedAt  time.Time
}

// ResponseCache is a size-bounded TTL cache keyed by request URI. When full,
// the oldest insertion is evicted. Expired entries are dropped lazily.
type ResponseCache struct {
	mu         sync.Mutex
	items      map[string]*entry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

func NewResponseCache(maxEntries int, ttl time.Duration) *ResponseCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ResponseCache{
		items:      make(map[string]*entry, maxEntries),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached body and content type for key.
func (c *ResponseCache) Get(key string) (body []byte, contentType string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, "", false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		return nil, "", false
	}
	return e.body, e.contentType, true
}

func (c *ResponseCache) Set(key string, body []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictOldest()
	}
	c.items[key] = &entry{
		body:        append([]byte(nil), body...),
		contentType: contentType,
		expiresAt:   now.Add(c.ttl),
		insertedAt:  now,
	}
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return
	}
	c.items = make(map[string]*entry, c.maxEntries)
}

// Len counts entries, including expired ones not yet dropped.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Must be called with c.mu held.
func (c *ResponseCache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)
	for k, e := range c.items {
		if !found || e.insertedAt.Before(oldestTime) {
			oldestKey, oldestTime, found = k, e.insertedAt, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}
