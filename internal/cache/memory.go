package cache

import (
	"context"
	"sync"
	"time"

	"lotscan/internal/model"
)

type memoryEntry struct {
	lookup   model.CachedLotLookup
	deadline time.Time
}

// MemoryCache keeps lookups in process. Expired entries are misses at once
// and are swept in the background.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]memoryEntry
	now     func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

var _ LookupCache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache and starts its sweeper.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[Key]memoryEntry),
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	go c.sweeper()
	return c
}

// Get returns a copy of the lookup under k.
func (c *MemoryCache) Get(ctx context.Context, k Key) (*model.CachedLotLookup, error) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.deadline) {
		return nil, ErrMiss
	}
	l := e.lookup
	l.Product.Lots = append([]model.ProductLot(nil), e.lookup.Product.Lots...)
	return &l, nil
}

// Put caches a copy of l.
func (c *MemoryCache) Put(ctx context.Context, l *model.CachedLotLookup, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	e := memoryEntry{lookup: *l, deadline: c.now().Add(ttl)}
	e.lookup.Product.Lots = append([]model.ProductLot(nil), l.Product.Lots...)

	c.mu.Lock()
	c.entries[KeyOf(l)] = e
	c.mu.Unlock()
	return nil
}

// Evict drops the lookups under keys.
func (c *MemoryCache) Evict(ctx context.Context, keys ...Key) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of unexpired lookups.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	now := c.now()
	for _, e := range c.entries {
		if now.Before(e.deadline) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryCache) sweeper() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.deadline) {
			delete(c.entries, k)
		}
	}
}
