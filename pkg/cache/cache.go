// Package cache is a process-lifetime key/value store for whole entities
// (tokens, account snapshots, product listings). Entries never expire on their
// own; they are dropped only by Clear or ClearMatching.
package cache

import (
	"strings"
	"sync"
)

const (
	KindToken    = "token"
	KindAccount  = "account"
	KindProducts = "products"
)

// selectorSeparator joins selector parts. It can't appear in postcodes, API
// keys or account numbers.
const selectorSeparator = "\x1f"

// Key identifies a cache entry. Selector must include every parameter that
// changes the shape of the cached value.
type Key struct {
	Kind     string
	Selector string
}

// NewKey builds a Key from a kind and the parts of a composite selector.
func NewKey(kind string, parts ...string) Key {
	return Key{Kind: kind, Selector: strings.Join(parts, selectorSeparator)}
}

// Parts splits the selector back into the parts passed to NewKey.
func (k Key) Parts() []string {
	return strings.Split(k.Selector, selectorSeparator)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]any
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[Key]any),
	}
}

// Get returns the value stored under key.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores value under key, replacing any existing entry.
func (c *Cache) Put(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// ClearMatching drops every entry whose key satisfies match and returns how
// many were dropped.
func (c *Cache) ClearMatching(match func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup returns the value under key if it exists and is a T. A value of the
// wrong type is treated as a miss.
func Lookup[T any](c *Cache, key Key) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
