package artifact

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"go.pgnvault.dev/core/metrics"
)

// Policy of Cache eviction.
type Policy int

const (
	// InsertionOrder evicts the entry which was inserted first. Get doesn't
	// affect eviction order, and Put of a present Key is a no-op. This
	// approximates LRU: a hot entry is evicted as readily as a cold one.
	InsertionOrder Policy = iota
	// AccessOrder evicts the least-recently used entry. Get and Put both
	// promote the entry.
	AccessOrder
)

// String returns the name of the Policy.
func (p Policy) String() string {
	switch p {
	case InsertionOrder:
		return "insertion-order"
	case AccessOrder:
		return "access-order"
	default:
		return "unknown"
	}
}

// Cache is a bounded, in-memory map of Key to move text. It's safe for
// concurrent use: mutations are serialized by the underlying lru.Cache.
type Cache struct {
	policy    Policy
	entries   *lru.Cache
	evictions atomic.Int64
}

// NewCache returns a Cache of |capacity| entries, which must be > 0.
func NewCache(capacity int, policy Policy) *Cache {
	var entries, err = lru.New(capacity)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Cache{policy: policy, entries: entries}
}

// Get the move text of |key|.
func (c *Cache) Get(key Key) (string, bool) {
	var v interface{}
	var ok bool

	if c.policy == AccessOrder {
		v, ok = c.entries.Get(key)
	} else {
		v, ok = c.entries.Peek(key)
	}
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Put the move text of |key|. If the Cache is at capacity, exactly one entry
// is evicted to make room.
func (c *Cache) Put(key Key, moves string) {
	var evicted bool

	if c.policy == AccessOrder {
		evicted = c.entries.Add(key, moves)
	} else {
		// Move text of a Key doesn't change, so there's nothing to update,
		// and the Key keeps its original insertion position.
		_, evicted = c.entries.ContainsOrAdd(key, moves)
	}
	if evicted {
		c.evictions.Add(1)
		metrics.ArtifactCacheEvictionsTotal.Inc()
	}
}

// Len is the number of cached entries. It never exceeds the capacity.
func (c *Cache) Len() int { return c.entries.Len() }

// Evictions is the cumulative number of entries evicted for capacity.
func (c *Cache) Evictions() int64 { return c.evictions.Load() }

// Policy of the Cache.
func (c *Cache) Policy() Policy { return c.policy }
