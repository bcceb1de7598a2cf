package registry

import (
	"context"
	"sync"
	"time"
)

// Cache is consulted first by Client.Resolve, per spec §4.9.
type Cache interface {
	// Get retrieves a cached entry by key. Returns nil, nil on a miss or
	// expired entry.
	Get(ctx context.Context, key string) (*ToolServerMetadata, error)
	// Set stores an entry with the given TTL.
	Set(ctx context.Context, key string, meta *ToolServerMetadata, ttl time.Duration) error
	// Delete removes a cached entry.
	Delete(ctx context.Context, key string) error
}

// RefreshFunc re-resolves a cache key, used for background refresh ahead of
// expiry.
type RefreshFunc func(ctx context.Context, key string) (*ToolServerMetadata, error)

// MemoryCache is an in-memory Cache with TTL expiry and optional background
// refresh, adapted from the teacher's runtime/registry.MemoryCache (entry
// struct, refresh channel, and cooldown tracking kept; toolset-schema value
// type swapped for ToolServerMetadata).
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	refreshFunc     RefreshFunc
	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
	refreshCh       chan string
}

type cacheEntry struct {
	meta      *ToolServerMetadata
	expiresAt time.Time
	ttl       time.Duration
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithRefreshFunc sets the function used to refresh entries approaching
// expiry in the background.
func WithRefreshFunc(fn RefreshFunc) MemoryCacheOption {
	return func(c *MemoryCache) { c.refreshFunc = fn }
}

// WithRefreshCooldown sets the minimum interval between refresh attempts for
// the same key. Defaults to 10 seconds.
func WithRefreshCooldown(d time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) { c.refreshCooldown = d }
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:         make(map[string]*cacheEntry),
		refreshCh:       make(chan string, 100),
		refreshCooldown: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a cached entry. If it is within 20% of its TTL of expiring
// and a refresh function is configured, a background refresh is triggered.
func (c *MemoryCache) Get(_ context.Context, key string) (*ToolServerMetadata, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, nil
	}

	if c.refreshFunc != nil && entry.ttl > 0 {
		if now.After(entry.expiresAt.Add(-entry.ttl / 5)) {
			c.triggerRefresh(key)
		}
	}

	return entry.meta, nil
}

func (c *MemoryCache) triggerRefresh(key string) {
	if c.refreshCtx == nil {
		return
	}
	select {
	case c.refreshCh <- key:
	case <-c.refreshCtx.Done():
	default:
	}
}

// Set stores meta under key with the given TTL.
func (c *MemoryCache) Set(_ context.Context, key string, meta *ToolServerMetadata, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{meta: meta, expiresAt: time.Now().Add(ttl), ttl: ttl}
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len reports the number of entries currently cached.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartRefresh starts the background refresh loop. No-op if no RefreshFunc
// was configured.
func (c *MemoryCache) StartRefresh(ctx context.Context) {
	if c.refreshFunc == nil {
		return
	}
	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh stops the background refresh loop and waits for it to exit.
func (c *MemoryCache) StopRefresh() {
	if c.refreshCancel == nil {
		return
	}
	c.refreshCancel()
	c.refreshWg.Wait()
	c.refreshCancel = nil
}

func (c *MemoryCache) refreshLoop() {
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

			meta, err := c.refreshFunc(c.refreshCtx, key)
			if err != nil {
				continue
			}

			c.mu.Lock()
			c.entries[key] = &cacheEntry{meta: meta, expiresAt: time.Now().Add(entry.ttl), ttl: entry.ttl}
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
