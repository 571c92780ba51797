package settingsvc

import (
	"context"
	"sync/atomic"
	"time"
)

// TTL is the fixed duration a cached snapshot is trusted before the next
// reader triggers a refresh (spec.md §4.2: "~60 s").
const TTL = 60 * time.Second

// Store is the settings side of the Persistence Contract (spec.md §4.1).
type Store interface {
	Read(ctx context.Context) (Settings, error)
	Write(ctx context.Context, s Settings) error
}

type snapshot struct {
	value     Settings
	fetchedAt time.Time
}

// Cache serves Settings reads from an immutable snapshot, swapped
// atomically so a writer can overlap readers without locking (spec.md
// §4.2). Get refreshes the snapshot itself when it is missing or stale;
// callers never need to poll.
type Cache struct {
	store Store
	ptr   atomic.Pointer[snapshot]
}

func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Get returns the current defaults-merged settings snapshot, refreshing it
// from the store first if the cached copy is absent or older than TTL.
func (c *Cache) Get(ctx context.Context) (Settings, error) {
	if s := c.ptr.Load(); s != nil && time.Since(s.fetchedAt) < TTL {
		return s.value, nil
	}
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) (Settings, error) {
	stored, err := c.store.Read(ctx)
	if err != nil {
		if s := c.ptr.Load(); s != nil {
			return s.value, nil
		}
		return Settings{}, err
	}

	merged := Merge(Defaults(), stored)
	c.ptr.Store(&snapshot{value: merged, fetchedAt: time.Now()})
	return merged, nil
}

// Invalidate drops the cached snapshot so the next Get refetches
// immediately, used after Write so the writer's own change is visible.
func (c *Cache) Invalidate() {
	c.ptr.Store(nil)
}

// Write persists s and invalidates the cache.
func (c *Cache) Write(ctx context.Context, s Settings) error {
	if err := c.store.Write(ctx, s); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}
