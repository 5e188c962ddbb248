// Package cache provides the per-backend in-memory index of known resources,
// keyed by label.
//
// The cache mirrors provider state; it is never authoritative. Entries are
// tagged StateProvisioning while their creation is still in progress and
// StateConfirmed once the provider has reported them in a stable state.
package cache

import (
	"sort"
	"sync"
	"time"
)

// State tags how far a cached entry has been confirmed by the provider.
type State string

const (
	// StateProvisioning marks an entry inserted before the provider
	// confirmed the resource is fully created.
	StateProvisioning State = "provisioning"
	// StateConfirmed marks an entry seen in a provider listing or confirmed
	// by a completed wait.
	StateConfirmed State = "confirmed"
)

// Entry is a cached value with its bookkeeping.
type Entry[T any] struct {
	Label   string
	Value   T
	State   State
	Updated time.Time
}

// Cache is a label-keyed index. The mutex keeps map access memory safe;
// concurrent lifecycle operations on one label are still unsupported.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[T]
	now     func() time.Time
}

// New returns an empty cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]*Entry[T]),
		now:     time.Now,
	}
}

// Load replaces the cache content with items, all marked confirmed.
// Entries still provisioning that are missing from items are kept, since
// providers may not list a resource until its creation settles.
//
// Load returns the labels that appeared more than once in items; only the
// first occurrence is kept.
func (c *Cache[T]) Load(items []T, label func(T) string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	next := make(map[string]*Entry[T], len(items))
	var dups []string
	for _, it := range items {
		l := label(it)
		if _, seen := next[l]; seen {
			dups = append(dups, l)
			continue
		}
		next[l] = &Entry[T]{Label: l, Value: it, State: StateConfirmed, Updated: now}
	}
	for l, e := range c.entries {
		if _, ok := next[l]; !ok && e.State == StateProvisioning {
			next[l] = e
		}
	}
	c.entries = next
	return dups
}

// Get returns the value cached under label.
func (c *Cache[T]) Get(label string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[label]
	if !ok {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// Entry returns a copy of the entry cached under label.
func (c *Cache[T]) Entry(label string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[label]
	if !ok {
		return Entry[T]{}, false
	}
	return *e, true
}

// Has reports whether label is cached.
func (c *Cache[T]) Has(label string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[label]
	return ok
}

// Put inserts or replaces the entry for label.
func (c *Cache[T]) Put(label string, v T, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[label] = &Entry[T]{Label: label, Value: v, State: state, Updated: c.now()}
}

// Insert adds a new entry for label and reports false, leaving the cache
// untouched, if label is already present.
func (c *Cache[T]) Insert(label string, v T, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[label]; ok {
		return false
	}
	c.entries[label] = &Entry[T]{Label: label, Value: v, State: state, Updated: c.now()}
	return true
}

// Update replaces the value cached under label, keeping its state.
// It reports false if label is not cached.
func (c *Cache[T]) Update(label string, v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[label]
	if !ok {
		return false
	}
	e.Value = v
	e.Updated = c.now()
	return true
}

// Confirm promotes the entry for label to StateConfirmed.
func (c *Cache[T]) Confirm(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[label]
	if !ok {
		return false
	}
	e.State = StateConfirmed
	e.Updated = c.now()
	return true
}

// Delete removes label and reports whether it was present.
func (c *Cache[T]) Delete(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[label]
	delete(c.entries, label)
	return ok
}

// Len returns the number of cached entries.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Labels returns the cached labels in sorted order.
func (c *Cache[T]) Labels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	labels := make([]string, 0, len(c.entries))
	for l := range c.entries {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Snapshot returns copies of all entries sorted by label.
func (c *Cache[T]) Snapshot() []Entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry[T], 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
