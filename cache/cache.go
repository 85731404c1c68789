// Package cache is a read-through cache with expiry, a soft capacity bound,
// cursor pagination and prefix invalidation.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/tillsync/internal/shard"
)

// Defaults.
const (
	DefaultTTL      = 30 * time.Second
	DefaultCapacity = 100
)

// ErrNoPage is returned by LoadMore when the key holds no paged entry.
var ErrNoPage = errors.New("tillsync: no cached page for key")

// Loader produces the value for a missing or stale key.
type Loader[T any] func(ctx context.Context) (T, error)

// PageLoader fetches the page starting at cursor ("" for the first page).
type PageLoader[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Page is the cached state of a paged query: every item loaded so far, the
// cursor of the next page and whether one exists.
type Page[T any] struct {
	Items   []T
	Cursor  string
	HasMore bool
}

func (p Page[T]) clone() Page[T] {
	p.Items = append([]T(nil), p.Items...)
	return p
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Loads         int64
	LoadErrors    int64
	Evictions     int64
	Expirations   int64
	Invalidations int64
	Size          int
}

type entry[T any] struct {
	value     T
	page      *Page[T]
	more      PageLoader[T]
	writtenAt time.Time
	seq       uint64
}

// Cache is safe for concurrent use. Loads run outside the lock, so two
// concurrent misses on one key may both load; the later write wins. A load
// that overlaps an invalidation of its key returns its result uncached.
type Cache[T any] struct {
	ttl      time.Duration
	capacity int
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics

	mu      sync.Mutex
	entries map[string]*entry[T]
	seq     uint64
	stats   Stats

	// epoch counts Invalidate calls. While loads are in flight the
	// invalidated prefixes are kept so a finishing load can tell whether
	// its key was covered.
	epoch    uint64
	inflight int
	recent   []invalidation
}

type invalidation struct {
	epoch  uint64
	prefix string
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl        time.Duration
	capacity   int
	clock      func() time.Time
	logger     *slog.Logger
	registerer prometheus.Registerer
	name       string
}

// WithTTL sets how long an entry stays fresh.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithCapacity sets the soft entry bound.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics registers prometheus collectors for the cache on reg,
// labelled with name.
func WithMetrics(reg prometheus.Registerer, name string) Option {
	return func(o *options) {
		o.registerer = reg
		o.name = name
	}
}

// New creates an empty cache.
func New[T any](opts ...Option) *Cache[T] {
	o := options{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		ttl:      o.ttl,
		capacity: o.capacity,
		clock:    o.clock,
		logger:   o.logger,
		metrics:  newMetrics(o.registerer, o.name),
		entries:  make(map[string]*entry[T]),
	}
}

// TTL returns the configured time to live.
func (c *Cache[T]) TTL() time.Duration { return c.ttl }

// Capacity returns the configured soft bound.
func (c *Cache[T]) Capacity() int { return c.capacity }

func (c *Cache[T]) fresh(e *entry[T], now time.Time) bool {
	return now.Sub(e.writtenAt) < c.ttl
}

// Get returns the cached value for key while it is fresh, otherwise calls
// load and caches its result. Load errors are returned and nothing is cached.
func (c *Cache[T]) Get(ctx context.Context, key string, load Loader[T]) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.page == nil && c.fresh(e, c.clock()) {
		c.hit()
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.miss()
	since := c.beginLoad()
	c.mu.Unlock()

	v, err := load(ctx)
	c.loaded(key, err)

	c.mu.Lock()
	stale := c.endLoad(key, since)
	if err == nil && !stale {
		c.insert(key, &entry[T]{value: v})
	}
	c.mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	if stale {
		c.logger.Debug("load overlapped invalidation, not cached", "key", key)
	}
	return v, nil
}

// beginLoad marks a load in flight and returns the current epoch. Caller
// holds mu.
func (c *Cache[T]) beginLoad() uint64 {
	c.inflight++
	return c.epoch
}

// endLoad reports whether key was invalidated after since. Caller holds mu.
func (c *Cache[T]) endLoad(key string, since uint64) bool {
	stale := false
	for _, inv := range c.recent {
		if inv.epoch > since && strings.HasPrefix(key, inv.prefix) {
			stale = true
			break
		}
	}
	c.inflight--
	if c.inflight == 0 {
		c.recent = nil
	}
	return stale
}

// loaded records the outcome of a loader call.
func (c *Cache[T]) loaded(key string, err error) {
	c.mu.Lock()
	c.stats.Loads++
	c.metrics.inc(eventLoad)
	if err != nil {
		c.stats.LoadErrors++
		c.metrics.inc(eventLoadError)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Debug("cache load failed", "key", key, "error", err)
	}
}

// Page returns the cached paged entry for key while it is fresh, otherwise
// loads the first page and caches it.
func (c *Cache[T]) Page(ctx context.Context, key string, load PageLoader[T]) (Page[T], error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.page != nil && c.fresh(e, c.clock()) {
		c.hit()
		p := e.page.clone()
		c.mu.Unlock()
		return p, nil
	}
	c.miss()
	since := c.beginLoad()
	c.mu.Unlock()

	p, err := load(ctx, "")
	c.loaded(key, err)

	c.mu.Lock()
	stale := c.endLoad(key, since)
	if err != nil {
		c.mu.Unlock()
		return Page[T]{}, err
	}
	if !p.HasMore {
		p.Cursor = ""
	}
	if !stale {
		stored := p.clone()
		c.insert(key, &entry[T]{page: &stored, more: load})
	}
	c.mu.Unlock()
	return p.clone(), nil
}

// LoadMore fetches the page after the stored cursor and appends it to the
// entry. Once HasMore is false it returns the entry unchanged without
// loading. It returns ErrNoPage when key holds no paged entry.
func (c *Cache[T]) LoadMore(ctx context.Context, key string) (Page[T], error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.page == nil {
		c.mu.Unlock()
		return Page[T]{}, ErrNoPage
	}
	if !e.page.HasMore {
		p := e.page.clone()
		c.mu.Unlock()
		return p, nil
	}
	cursor, more := e.page.Cursor, e.more
	c.mu.Unlock()

	next, err := more(ctx, cursor)
	c.loaded(key, err)
	if err != nil {
		return Page[T]{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entries[key]
	if !ok || current != e {
		// Invalidated or replaced while loading.
		return Page[T]{}, ErrNoPage
	}
	if e.page.Cursor != cursor {
		// A concurrent LoadMore already appended this page.
		return e.page.clone(), nil
	}
	e.page.Items = append(e.page.Items, next.Items...)
	e.page.HasMore = next.HasMore
	e.page.Cursor = next.Cursor
	if !next.HasMore {
		e.page.Cursor = ""
	}
	return e.page.clone(), nil
}

// Set stores value under key with a fresh timestamp.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(key, &entry[T]{value: value})
}

// Peek returns a fresh cached value without loading.
func (c *Cache[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.page == nil && c.fresh(e, c.clock()) {
		return e.value, true
	}
	var zero T
	return zero, false
}

// Invalidate removes every entry whose key starts with prefix and returns
// how many were removed.
func (c *Cache[T]) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if c.inflight > 0 {
		c.recent = append(c.recent, invalidation{epoch: c.epoch, prefix: prefix})
	}
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	c.stats.Invalidations += int64(n)
	c.metrics.add(eventInvalidation, n)
	c.metrics.size(len(c.entries))
	return n
}

// Clear removes every entry.
func (c *Cache[T]) Clear() int {
	return c.Invalidate("")
}

// Len returns the number of entries, fresh or not.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Metrics returns a snapshot of the counters.
func (c *Cache[T]) Metrics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

func (c *Cache[T]) hit() {
	c.stats.Hits++
	c.metrics.inc(eventHit)
}

func (c *Cache[T]) miss() {
	c.stats.Misses++
	c.metrics.inc(eventMiss)
}

// insert stores e under key, sweeps expired entries and trims the oldest
// entries past capacity. Caller holds mu.
func (c *Cache[T]) insert(key string, e *entry[T]) {
	now := c.clock()
	c.seq++
	e.writtenAt = now
	e.seq = c.seq
	c.entries[key] = e

	for k, old := range c.entries {
		if !c.fresh(old, now) {
			delete(c.entries, k)
			c.stats.Expirations++
			c.metrics.inc(eventExpiration)
		}
	}

	if over := len(c.entries) - c.capacity; over > 0 {
		type aged struct {
			key string
			e   *entry[T]
		}
		all := make([]aged, 0, len(c.entries))
		for k, v := range c.entries {
			all = append(all, aged{k, v})
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].e.writtenAt.Equal(all[j].e.writtenAt) {
				return all[i].e.writtenAt.Before(all[j].e.writtenAt)
			}
			return all[i].e.seq < all[j].e.seq
		})
		for _, a := range all[:over] {
			delete(c.entries, a.key)
		}
		c.stats.Evictions += int64(over)
		c.metrics.add(eventEviction, over)
		c.logger.Debug("cache trimmed", "evicted", over, "capacity", c.capacity)
	}
	c.metrics.size(len(c.entries))
}

// Key joins a collection and key parts with "/", so Invalidate(collection)
// removes every key built for that collection.
func Key(collection string, parts ...string) string {
	return strings.Join(append([]string{collection}, parts...), "/")
}

// FilterPart encodes an equality filter as a stable key part.
func FilterPart(filter map[string]any) string {
	if len(filter) == 0 {
		return "all"
	}
	return "f" + shard.Digest(filter)
}
