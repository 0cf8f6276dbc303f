package identity

import (
	"context"
	"sync"
	"time"
)

// CachingProvider wraps another Provider and reuses results while they
// remain valid for the requested scopes.
type CachingProvider struct {
	inner Provider
	now   func() time.Time

	mu      sync.RWMutex
	entries []Result
}

// NewCachingProvider creates a CachingProvider around inner.
func NewCachingProvider(inner Provider) *CachingProvider {
	return &CachingProvider{inner: inner, now: time.Now}
}

// Acquire returns a cached result when one is valid, otherwise delegates to
// the inner provider and caches what it returns.
func (c *CachingProvider) Acquire(ctx context.Context, scopes []string) (*Result, error) {
	now := c.now()

	c.mu.RLock()
	for _, e := range c.entries {
		if e.ValidFor(now, scopes) {
			c.mu.RUnlock()
			r := e
			return &r, nil
		}
	}
	c.mu.RUnlock()

	res, err := c.inner.Acquire(ctx, scopes)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.ValidFor(now, nil) {
			kept = append(kept, e)
		}
	}
	c.entries = append(kept, *res)
	c.mu.Unlock()

	return res, nil
}

// Invalidate drops every cached result.
func (c *CachingProvider) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
