package cache

import (
	"sync"
	"time"

	"github.com/rwa-market/pricesync/internal/model"
)

// Default TTLs.
const (
	DefaultTTL      = 60 * time.Second
	DefaultStaleTTL = 5 * time.Minute
)

// entry is a cached quote plus the instant it was stored.
type entry struct {
	quote    model.Quote
	storedAt time.Time
}

// Cache is a TTL read-through store of last known quotes, keyed by instrument ID.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	staleTTL time.Duration
	now      func() time.Time
	entries  map[string]entry

	hits   int64
	misses int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache. Zero durations fall back to the defaults; a stale TTL
// shorter than the TTL is raised to the TTL.
func New(ttl, staleTTL time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	if staleTTL < ttl {
		staleTTL = ttl
	}

	c := &Cache{
		ttl:      ttl,
		staleTTL: staleTTL,
		now:      time.Now,
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns an unexpired quote for key.
func (c *Cache) Get(key model.InstrumentKey) (model.Quote, bool) {
	return c.lookup(key.ID(), c.ttl)
}

// GetStale returns a quote stored within the stale TTL, expired or not.
func (c *Cache) GetStale(key model.InstrumentKey) (model.Quote, bool) {
	return c.lookup(key.ID(), c.staleTTL)
}

func (c *Cache) lookup(id string, maxAge time.Duration) (model.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.misses++
		return model.Quote{}, false
	}

	age := c.now().Sub(e.storedAt)
	if age > c.staleTTL {
		delete(c.entries, id)
		c.misses++
		return model.Quote{}, false
	}
	if age > maxAge {
		c.misses++
		return model.Quote{}, false
	}

	c.hits++
	return e.quote, true
}

// Set stores q and restarts its TTL. An entry observed strictly later than
// q is kept, whatever its age, and Set reports false. A synthetic entry is
// always replaced by a real quote.
func (c *Cache) Set(q model.Quote) bool {
	id := q.ID()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && e.quote.Supersedes(q) {
		if !e.quote.IsSynthetic() || q.IsSynthetic() {
			return false
		}
	}

	c.entries[id] = entry{quote: q, storedAt: now}
	return true
}

// Delete removes the entry for key.
func (c *Cache) Delete(key model.InstrumentKey) {
	c.mu.Lock()
	delete(c.entries, key.ID())
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
