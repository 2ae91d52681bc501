// Package cache provides the thread-safe expiring key/value cache shared by
// every lookup layer in scorekeeper.
//
// Entries carry an absolute expiry set when they are Put. Get never refreshes
// that expiry, so an entry's lifetime is measured from insertion rather than
// from its last access.
//
// Every Put runs two eviction passes inside the same critical section:
//
//  1. drop every entry whose TTL has elapsed;
//  2. if the cache still holds more than MaxEntries, drop the oldest-inserted
//     entries until it is back at capacity.
//
// Survival is decided by insertion order, not access order.
package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sep joins the components of a composite key.
const Sep = ":"

// Key joins parts into a composite key. RemoveByPrefix matches on the leading
// components of keys built this way.
func Key(parts ...any) string {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = fmt.Sprint(p)
	}
	return strings.Join(ss, Sep)
}

// Config holds cache configuration.
type Config struct {
	// MaxEntries caps the number of live entries. 0 disables the cap.
	MaxEntries int

	// TTL is the lifetime of an entry from the moment it is Put.
	// 0 disables expiry.
	TTL time.Duration

	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 // successful Get lookups
	Misses    int64 // Get lookups that found nothing live
	Expired   int64 // entries dropped because their TTL elapsed
	Evictions int64 // entries dropped to respect MaxEntries
	Entries   int   // current number of entries
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

// Cache is an expiring, capacity-bounded map from string keys to V.
//
// The zero value is not usable; construct with New.
type Cache[V any] struct {
	mu      sync.Mutex
	cfg     Config
	order   *list.List               // front = oldest insertion
	index   map[string]*list.Element // key → list element
	hits    int64
	misses  int64
	expired int64
	evicted int64
}

// New creates a Cache with the supplied Config.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[V]{
		cfg:   cfg,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Get returns the value stored under key.
// An entry past its expiry is reported as a miss even before eviction has
// removed it. Get does not extend the entry's lifetime.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.index[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expiredAt(e, c.cfg.Now()) {
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key with a fresh expiry, then runs eviction.
// Replacing a key moves it to the newest insertion position.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.removeElement(el)
	}

	now := c.cfg.Now()
	e := &entry[V]{key: key, value: value}
	if c.cfg.TTL > 0 {
		e.expiresAt = now.Add(c.cfg.TTL)
	}
	c.index[key] = c.order.PushBack(e)

	c.evictExpired(now)
	c.evictOverflow()
}

// Remove deletes key. Removing an absent key is a no-op.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.removeElement(el)
	}
}

// RemoveByPrefix deletes every entry whose leading key components equal parts.
// RemoveByPrefix("abc") removes "abc" and "abc:0:1" but not "abcd".
// It returns the number of entries removed.
func (c *Cache[V]) RemoveByPrefix(parts ...any) int {
	prefix := Key(parts...)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Collect first: deleting from a map while ranging over it may skip keys.
	var doomed []*list.Element
	for key, el := range c.index {
		if key == prefix || strings.HasPrefix(key, prefix+Sep) {
			doomed = append(doomed, el)
		}
	}
	for _, el := range doomed {
		c.removeElement(el)
	}
	return len(doomed)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
}

// Len returns the number of stored entries, including expired ones that no
// eviction pass has dropped yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Stats returns a point-in-time snapshot of cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Expired:   c.expired,
		Evictions: c.evicted,
		Entries:   len(c.index),
	}
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (c *Cache[V]) expiredAt(e *entry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// evictExpired drops every expired entry. Caller must hold c.mu.
func (c *Cache[V]) evictExpired(now time.Time) {
	if c.cfg.TTL <= 0 {
		return
	}
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.expiredAt(el.Value.(*entry[V]), now) {
			c.removeElement(el)
			c.expired++
		}
		el = next
	}
}

// evictOverflow drops oldest-inserted entries until at capacity.
// Caller must hold c.mu.
func (c *Cache[V]) evictOverflow() {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for c.order.Len() > c.cfg.MaxEntries {
		c.removeElement(c.order.Front())
		c.evicted++
	}
}

// removeElement unlinks el from the list and index. Caller must hold c.mu.
func (c *Cache[V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.index, e.key)
}
