package registry

import (
	"context"
	"sync"
	"time"
)

// RefreshFunc recomputes the cached value for key when it nears expiry.
type RefreshFunc[V any] func(ctx context.Context, key string) (V, error)

// MemoryCache is a generic in-memory TTL cache with optional background
// refresh, grounded on the teacher's `toolregistry` schema cache
// (`cache.go`'s original `MemoryCache`/`ToolsetSchema` pairing). Generalized
// here to a type parameter so the Intelligent Selector can reuse the same
// TTL-plus-background-refresh shape to cache tool descriptor embeddings
// instead of MCP toolset schemas.
type MemoryCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[V]

	refreshFunc     RefreshFunc[V]
	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
	refreshCh       chan string
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	ttl       time.Duration
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption[V any] func(*MemoryCache[V])

// WithRefreshFunc sets the function used to refresh expiring entries.
func WithRefreshFunc[V any](fn RefreshFunc[V]) MemoryCacheOption[V] {
	return func(c *MemoryCache[V]) { c.refreshFunc = fn }
}

// WithRefreshCooldown sets the minimum interval between refresh attempts for
// the same key. Defaults to 10 seconds.
func WithRefreshCooldown[V any](d time.Duration) MemoryCacheOption[V] {
	return func(c *MemoryCache[V]) { c.refreshCooldown = d }
}

// NewMemoryCache creates a new in-memory TTL cache.
func NewMemoryCache[V any](opts ...MemoryCacheOption[V]) *MemoryCache[V] {
	c := &MemoryCache[V]{
		entries:         make(map[string]*cacheEntry[V]),
		refreshCh:       make(chan string, 100),
		refreshCooldown: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a cached value by key. ok is false on miss or expiry. An
// entry within 20% of its TTL of expiring triggers a background refresh if
// one is configured.
func (c *MemoryCache[V]) Get(_ context.Context, key string) (value V, ok bool) {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()
	if !found {
		return value, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return value, false
	}

	if c.refreshFunc != nil && entry.ttl > 0 {
		refreshThreshold := entry.expiresAt.Add(-entry.ttl / 5)
		if now.After(refreshThreshold) {
			c.triggerRefresh(key)
		}
	}
	return entry.value, true
}

func (c *MemoryCache[V]) triggerRefresh(key string) {
	if c.refreshCtx == nil {
		return
	}
	select {
	case c.refreshCh <- key:
	case <-c.refreshCtx.Done():
	default:
	}
}

// Set stores value under key with the given TTL.
func (c *MemoryCache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry[V]{value: value, expiresAt: time.Now().Add(ttl), ttl: ttl}
	return nil
}

// Delete removes a cached entry.
func (c *MemoryCache[V]) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Clear removes all cached entries.
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry[V])
}

// Len returns the number of cached entries.
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartRefresh starts the background refresh loop.
func (c *MemoryCache[V]) StartRefresh(ctx context.Context) {
	if c.refreshFunc == nil {
		return
	}
	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh stops the background refresh loop and waits for it to exit.
func (c *MemoryCache[V]) StopRefresh() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWg.Wait()
		c.refreshCancel = nil
	}
}

func (c *MemoryCache[V]) refreshLoop() {
	defer c.refreshWg.Done()
	refreshed := make(map[string]time.Time)

	for {
		select {
		case <-c.refreshCtx.Done():
			return
		case key := <-c.refreshCh:
			if last, ok := refreshed[key]; ok && time.Since(last) < c.refreshCooldown {
				continue
			}
			c.mu.RLock()
			entry, exists := c.entries[key]
			c.mu.RUnlock()
			if !exists {
				continue
			}
			value, err := c.refreshFunc(c.refreshCtx, key)
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.entries[key] = &cacheEntry[V]{value: value, expiresAt: time.Now().Add(entry.ttl), ttl: entry.ttl}
			c.mu.Unlock()
			refreshed[key] = time.Now()

			if len(refreshed) > 1000 {
				now := time.Now()
				for k, t := range refreshed {
					if now.Sub(t) > time.Minute {
						delete(refreshed, k)
					}
				}
			}
		}
	}
}
