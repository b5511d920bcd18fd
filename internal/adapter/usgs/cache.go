package usgs

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
)

// CachedStatistics wraps a StatisticsSource with an in-memory LRU cache keyed
// by site and calendar date, so each site's statistics are downloaded at most
// once per day.
type CachedStatistics struct {
	inner   domain.StatisticsSource
	cache   *lruCache
	clock   clockwork.Clock
	loc     *time.Location
	metrics *observability.Metrics
}

// NewCachedStatistics creates a cache decorator around a statistics source.
// Dates are computed in loc.
func NewCachedStatistics(inner domain.StatisticsSource, maxEntries int, clock clockwork.Clock, loc *time.Location, metrics *observability.Metrics) *CachedStatistics {
	return &CachedStatistics{
		inner:   inner,
		cache:   newLRUCache(maxEntries),
		clock:   clock,
		loc:     loc,
		metrics: metrics,
	}
}

func (c *CachedStatistics) FetchStatistics(ctx context.Context, siteID string) (domain.StatisticsTable, error) {
	key := siteID + "|" + domain.DateKey(c.clock, c.loc)
	if table, ok := c.cache.get(key); ok {
		c.metrics.StatsCache.WithLabelValues("hit").Inc()
		return table, nil
	}
	c.metrics.StatsCache.WithLabelValues("miss").Inc()

	table, err := c.inner.FetchStatistics(ctx, siteID)
	if err != nil {
		return nil, err
	}
	// Tables are immutable once parsed, so sharing the cached map is safe.
	c.cache.put(key, table)
	return table, nil
}

// lruCache is a simple thread-safe LRU cache for statistics tables.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value domain.StatisticsTable
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (domain.StatisticsTable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value domain.StatisticsTable) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
