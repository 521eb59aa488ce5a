package bus

import (
	"sync"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

type cacheEntry struct {
	value dbus.Variant
	stale bool
}

// PropertyCache holds last-known property values of one interface.
// Entries go stale on invalidation and are never returned while stale.
//
// Every write bumps a per-name generation so a value fetched by a call can
// be stored with StoreIf without clobbering a change applied meanwhile.
type PropertyCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	seq     uint64
	gens    map[string]uint64
	// resetGen is the generation of the last InvalidateAll.
	resetGen uint64
}

// NewPropertyCache returns an empty cache.
func NewPropertyCache() *PropertyCache {
	return &PropertyCache{
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

// Seq returns a token for StoreIf. Take it before issuing the call.
func (c *PropertyCache) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// touch must be called with mu held.
func (c *PropertyCache) touch(name string) {
	c.seq++
	c.gens[name] = c.seq
}

// StoreIf stores v unless name was written or invalidated after since.
func (c *PropertyCache) StoreIf(name string, v dbus.Variant, since uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[name] > since || c.resetGen > since {
		return false
	}
	c.touch(name)
	c.entries[name] = cacheEntry{value: v}
	return true
}

// Get returns the cached value of name if present and fresh.
func (c *PropertyCache) Get(name string) (dbus.Variant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok || e.stale {
		return dbus.Variant{}, false
	}
	return e.value, true
}

// Store records a fresh value.
func (c *PropertyCache) Store(name string, v dbus.Variant) {
	c.mu.Lock()
	c.touch(name)
	c.entries[name] = cacheEntry{value: v}
	c.mu.Unlock()
}

// Invalidate marks name stale. An uncached name gets no entry but still
// fails a pending StoreIf.
func (c *PropertyCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(name)
	if e, ok := c.entries[name]; ok {
		e.stale = true
		c.entries[name] = e
	}
}

// InvalidateAll marks every entry stale.
func (c *PropertyCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.resetGen = c.seq
	for name, e := range c.entries {
		e.stale = true
		c.entries[name] = e
	}
}

// Apply updates the cache from a PropertiesChanged payload: changed values
// become fresh entries, invalidated names go stale.
func (c *PropertyCache) Apply(change dbustypes.PropertiesChanged) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range change.Changed {
		c.touch(name)
		c.entries[name] = cacheEntry{value: v}
	}
	for _, name := range change.Invalidated {
		c.touch(name)
		if e, ok := c.entries[name]; ok {
			e.stale = true
			c.entries[name] = e
		}
	}
}

// Stale reports whether name is cached but stale.
func (c *PropertyCache) Stale(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return ok && e.stale
}

// Len returns the number of entries, fresh or stale.
func (c *PropertyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
