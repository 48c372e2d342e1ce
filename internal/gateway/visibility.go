package gateway

import (
	"context"
	"strings"
	"sync"
	"time"
)

// visibilityFunc answers whether a repository is private. Backed by the
// code-hosting API in production, scripted in tests.
type visibilityFunc func(ctx context.Context, owner, name string) (private bool, err error)

// VisibilityCache memoizes repo visibility lookups. Private-mode sessions
// consult it before every read; positive and negative answers age out on
// separate TTLs so a freshly flipped repo is noticed quickly.
type VisibilityCache struct {
	lookup      visibilityFunc
	ttl         time.Duration
	negativeTTL time.Duration

	mu      sync.Mutex
	entries map[string]visEntry
}

type visEntry struct {
	private bool
	expires time.Time
}

// NewVisibilityCache creates a cache over the given lookup.
func NewVisibilityCache(lookup visibilityFunc, ttl, negativeTTL time.Duration) *VisibilityCache {
	return &VisibilityCache{
		lookup:      lookup,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		entries:     make(map[string]visEntry),
	}
}

// Private reports whether owner/name is a private repository.
func (c *VisibilityCache) Private(ctx context.Context, repo string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[repo]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.private, nil
	}
	c.mu.Unlock()

	owner, name, _ := strings.Cut(repo, "/")
	private, err := c.lookup(ctx, owner, name)
	if err != nil {
		return false, err
	}

	ttl := c.ttl
	if !private {
		// Public answers block reads in private mode; keep them short so
		// a repo flipped to private is re-checked promptly.
		ttl = c.negativeTTL
	}
	c.mu.Lock()
	c.entries[repo] = visEntry{private: private, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return private, nil
}
