// Package querycache memoizes read query results in front of a pool.Pool.
//
// Entries are keyed on the normalized statement text and its ordered
// parameters, and carry the time they were created. Freshness is decided per
// call: each caller supplies the TTL appropriate to its query shape, so a
// leaderboard aggregate may be served for hours while a head-to-head lookup is
// re-executed after seconds. Errors are never cached.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.pgnvault.dev/core/metrics"
	"go.pgnvault.dev/core/recordstore"
	"golang.org/x/sync/singleflight"
)

// Querier executes read queries. It's implemented by *pool.Pool.
type Querier interface {
	Query(ctx context.Context, stmt string, args ...interface{}) (recordstore.Result, error)
}

// Config of a Cache.
type Config struct {
	// MaxEntries bounds the number of cached results. When full, the entry
	// with the oldest creation time is evicted.
	MaxEntries int
}

// Cache of query results.
type Cache struct {
	querier Querier
	entries *lru.Cache
	flight  singleflight.Group

	hits, misses, evictions atomic.Int64
}

type entry struct {
	result    recordstore.Result
	createdAt time.Time
}

// New returns a Cache over the Querier. |cfg.MaxEntries| must be > 0.
func New(querier Querier, cfg Config) *Cache {
	var c = &Cache{querier: querier}

	var err error
	if c.entries, err = lru.New(cfg.MaxEntries); err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return c
}

// Query returns the result of |stmt| with |args|. A cached result is returned
// if it was created less than |ttl| ago; otherwise the query is executed, and
// its successful result is cached with a creation time of now. Concurrent
// misses of the same key share a single execution.
func (c *Cache) Query(ctx context.Context, ttl time.Duration, stmt string, args ...interface{}) (recordstore.Result, error) {
	var key = Key(stmt, args...)

	// Peek rather than Get: a read doesn't alter eviction order, which stays
	// ordered on entry creation.
	if v, ok := c.entries.Peek(key); ok {
		if e := v.(entry); timeNow().Sub(e.createdAt) < ttl {
			c.hits.Add(1)
			metrics.QueryCacheRequestsTotal.WithLabelValues(metrics.Hit).Inc()
			return e.result, nil
		}
	}
	c.misses.Add(1)
	metrics.QueryCacheRequestsTotal.WithLabelValues(metrics.Miss).Inc()

	// The shared execution isn't cancelled with the caller which began it,
	// as other callers may have joined it. Each caller may still return early
	// upon its own cancellation.
	var shared = context.WithoutCancel(ctx)

	var ch = c.flight.DoChan(key, func() (interface{}, error) {
		var result, err = c.querier.Query(shared, stmt, args...)
		if err != nil {
			return nil, err
		}
		// Add of an existing key refreshes its position, consistent with
		// its new creation time.
		if evicted := c.entries.Add(key, entry{result: result, createdAt: timeNow()}); evicted {
			c.evictions.Add(1)
			metrics.QueryCacheEvictionsTotal.Inc()
		}
		return result, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return recordstore.Result{}, r.Err
		}
		return r.Val.(recordstore.Result), nil
	case <-ctx.Done():
		return recordstore.Result{}, ctx.Err()
	}
}

// Invalidate the cached result of |stmt| with |args|, if any.
func (c *Cache) Invalidate(stmt string, args ...interface{}) {
	c.entries.Remove(Key(stmt, args...))
}

// Purge all cached results.
func (c *Cache) Purge() { c.entries.Purge() }

// Len is the number of cached results, including expired ones not yet
// displaced.
func (c *Cache) Len() int { return c.entries.Len() }

// Stats of the Cache.
type Stats struct {
	Hits, Misses, Evictions int64
}

// Stats returns cumulative Cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Key returns the cache key of |stmt| and |args|. Runs of whitespace in the
// statement are collapsed, so formatting differences of the same statement
// share an entry (values belong in |args|, not in statement literals).
// Arguments are encoded with their types and lengths, so that eg
// int64(1) and "1" are distinct, and no argument can forge another's bounds.
func Key(stmt string, args ...interface{}) string {
	var b strings.Builder
	b.WriteString(strings.Join(strings.Fields(stmt), " "))

	for _, arg := range args {
		var s = fmt.Sprint(arg)
		fmt.Fprintf(&b, "\x00%T:%d:%s", arg, len(s), s)
	}
	return b.String()
}

var timeNow = time.Now
