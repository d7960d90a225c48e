package entity

import (
	"sync"

	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// projectionCache memoizes one entity-store's folded projections, keyed by
// (tenant, entity id). It lazily subscribes to the change journal, one
// subscription per tenant it has ever seen, and drops every cached entry
// for that tenant on any change whose kind falls in the cache's family —
// projections are cheap enough to refold that a coarse per-tenant
// invalidation is never worth second-guessing with anything finer.
type projectionCache[T any] struct {
	notifier journal.Notifier
	family   uint16

	mu       sync.RWMutex
	items    map[cacheKey]T
	watching map[ids.TenantID]func()
}

type cacheKey struct {
	tenant ids.TenantID
	id     ids.ID
}

// newProjectionCache returns a cache that watches notifier for changes in
// family. A nil notifier disables invalidation: entries are cached
// forever except via explicit invalidate calls, which every mutating
// entity-store operation already makes.
func newProjectionCache[T any](notifier journal.Notifier, family uint16) *projectionCache[T] {
	return &projectionCache[T]{
		notifier: notifier,
		family:   family,
		items:    make(map[cacheKey]T),
		watching: make(map[ids.TenantID]func()),
	}
}

func (c *projectionCache[T]) ensureWatching(tenant ids.TenantID) {
	if c.notifier == nil {
		return
	}
	c.mu.RLock()
	_, ok := c.watching[tenant]
	c.mu.RUnlock()
	if ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watching[tenant]; ok {
		return
	}
	ch, cancel := c.notifier.Subscribe(tenant)
	c.watching[tenant] = cancel
	go func() {
		for change := range ch {
			if uint16(change.Kind)&0xF000 != c.family {
				continue
			}
			c.clearTenant(tenant)
		}
	}()
}

func (c *projectionCache[T]) get(tenant ids.TenantID, id ids.ID) (T, bool) {
	c.ensureWatching(tenant)
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[cacheKey{tenant, id}]
	return v, ok
}

func (c *projectionCache[T]) put(tenant ids.TenantID, id ids.ID, v T) {
	c.ensureWatching(tenant)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey{tenant, id}] = v
}

func (c *projectionCache[T]) invalidate(tenant ids.TenantID, id ids.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey{tenant, id})
}

func (c *projectionCache[T]) clearTenant(tenant ids.TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if k.tenant == tenant {
			delete(c.items, k)
		}
	}
}

// Close releases every per-tenant journal subscription this cache started.
func (c *projectionCache[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.watching {
		cancel()
	}
	c.watching = make(map[ids.TenantID]func())
}
