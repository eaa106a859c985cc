package resolver

import (
	"sort"
	"sync"
)

// Cache remembers, per localId, the resolved external reference and any
// weaker identifier hints seen for the session. Entries live until Forget is
// called, which happens when the session becomes terminal or leaves tracking.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ref   string
	hints map[string]struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Get returns the resolved reference for localID.
func (c *Cache) Get(localID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[localID]
	if !ok || e.ref == "" {
		return "", false
	}
	return e.ref, true
}

// Put records the resolved reference for localID.
func (c *Cache) Put(localID, ref string) {
	if localID == "" || ref == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(localID).ref = ref
}

// AddHints records unverified identifiers seen for localID.
func (c *Cache) AddHints(localID string, hints ...string) {
	if localID == "" || len(hints) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(localID)
	for _, h := range hints {
		if h != "" {
			e.hints[h] = struct{}{}
		}
	}
}

// Hint returns the last-known identifier for localID. It only answers when
// every hint seen so far agrees.
func (c *Cache) Hint(localID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[localID]
	if !ok || len(e.hints) != 1 {
		return "", false
	}
	for h := range e.hints {
		return h, true
	}
	return "", false
}

// Hints returns the sorted hints recorded for localID.
func (c *Cache) Hints(localID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[localID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.hints))
	for h := range e.hints {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Forget drops everything known about localID.
func (c *Cache) Forget(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, localID)
}

// Len returns the number of tracked sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// entry must be called with mu held for writing.
func (c *Cache) entry(localID string) *cacheEntry {
	e, ok := c.entries[localID]
	if !ok {
		e = &cacheEntry{hints: make(map[string]struct{})}
		c.entries[localID] = e
	}
	return e
}
