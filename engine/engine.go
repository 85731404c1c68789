// Package engine wires the subscription registry, caches, synchronizer and
// supervisor around one remote store and one local state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/tillsync/cache"
	"github.com/jacentio/tillsync/local"
	"github.com/jacentio/tillsync/remote"
	"github.com/jacentio/tillsync/subscription"
	"github.com/jacentio/tillsync/supervisor"
	"github.com/jacentio/tillsync/syncer"
)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("tillsync: engine closed")

// eventBuffer is the local event channel capacity of the synchronizer.
const eventBuffer = 64

// Stats summarises the engine's components.
type Stats struct {
	Watches    int
	Evictions  int64
	Records    cache.Stats
	Lists      cache.Stats
	Supervisor supervisor.Stats
	Sync       syncer.Stats
}

// Engine is the sync engine service object. Build it once with New and
// Close it at shutdown.
type Engine struct {
	config   Config
	logger   *slog.Logger
	remote   remote.Store
	state    *local.Memory
	snapshot *local.Snapshot

	subs       *subscription.Registry
	records    *cache.Cache[remote.Record]
	lists      *cache.Cache[[]remote.Record]
	supervisor *supervisor.Supervisor
	syncer     *syncer.Syncer

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}

	mu      sync.Mutex
	watches map[string]watch
	order   []string
	closed  bool
}

type watch struct {
	collection string
	filter     remote.Filter
	fn         func(remote.Change)
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	reg      prometheus.Registerer
	state    *local.Memory
	snapshot *local.Snapshot
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers cache and supervisor metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithState uses an existing local state instead of a new one.
func WithState(m *local.Memory) Option {
	return func(o *options) { o.state = m }
}

// WithSnapshot loads local state from s on start and saves it on Close.
func WithSnapshot(s *local.Snapshot) Option {
	return func(o *options) { o.snapshot = s }
}

// New builds an engine around store and starts the synchronizer.
func New(ctx context.Context, config Config, store remote.Store, opts ...Option) (*Engine, error) {
	config.validate()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.state == nil {
		o.state = local.NewMemory()
	}

	if o.snapshot != nil {
		n, err := o.snapshot.Load(ctx, o.state)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		o.logger.Info("local state restored", "records", n)
	}

	e := &Engine{
		config:   config,
		logger:   o.logger,
		remote:   store,
		state:    o.state,
		snapshot: o.snapshot,
		watches:  make(map[string]watch),
		done:     make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.subs = subscription.New(
		subscription.WithCapacity(config.SubscriptionCapacity),
		subscription.WithLogger(o.logger),
	)
	e.records = cache.New[remote.Record](
		cache.WithTTL(config.CacheTTL),
		cache.WithCapacity(config.CacheCapacity),
		cache.WithLogger(o.logger),
		cache.WithMetrics(o.reg, "records"),
	)
	e.lists = cache.New[[]remote.Record](
		cache.WithTTL(config.CacheTTL),
		cache.WithCapacity(config.CacheCapacity),
		cache.WithLogger(o.logger),
		cache.WithMetrics(o.reg, "lists"),
	)
	e.supervisor = supervisor.New(e.subs,
		supervisor.WithThreshold(config.ResetThreshold),
		supervisor.WithLogger(o.logger),
		supervisor.WithMetrics(o.reg),
		supervisor.WithResetHook(e.reopen),
	)
	e.syncer = syncer.New(store, e.state,
		syncer.WithLogger(o.logger),
		syncer.WithInvalidator(invalidator{e}),
		syncer.WithErrorSink(e.report),
		syncer.WithWriteDelay(config.WriteDelay),
		syncer.WithCollections(config.OrdersCollection, config.TablesCollection),
	)

	events, unsubscribe := e.state.Subscribe(eventBuffer)
	e.unsubscribe = unsubscribe
	go func() {
		defer close(e.done)
		if err := e.syncer.Run(e.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("synchronizer stopped", "error", err)
		}
	}()
	return e, nil
}

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.config }

// State returns the local state. Its transitions are synchronised to the
// remote store.
func (e *Engine) State() *local.Memory { return e.state }

// Supervisor returns the error supervisor. Feeds report into its Sink.
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.supervisor }

// invalidator scopes syncer invalidations to whole collections.
type invalidator struct{ e *Engine }

func (i invalidator) Invalidate(collection string) int {
	return i.e.Invalidate(collection)
}

// Invalidate drops every cached read of collection.
func (e *Engine) Invalidate(collection string) int {
	prefix := cache.Key(collection) + "/"
	return e.records.Invalidate(prefix) + e.lists.Invalidate(prefix)
}

// Watch opens a live subscription to collection. Each change invalidates
// the collection's cached reads and is then passed to fn. Watching the same
// collection and filter again replaces the earlier watch.
func (e *Engine) Watch(collection string, filter remote.Filter, fn func(remote.Change)) (*subscription.Subscription, error) {
	key := cache.Key(collection, cache.FilterPart(filter))
	w := watch{collection: collection, filter: filter, fn: fn}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	sub, err := e.open(key, w)
	if err != nil {
		e.report(err)
		return nil, err
	}

	e.mu.Lock()
	e.watches[key] = w
	e.order = append(slices.DeleteFunc(e.order, func(k string) bool { return k == key }), key)
	e.order = slices.DeleteFunc(e.order, func(k string) bool {
		if e.subs.Has(k) {
			return false
		}
		delete(e.watches, k)
		return true
	})
	e.mu.Unlock()
	return sub, nil
}

// Unwatch cancels a watch and stops it being reopened on reset.
func (e *Engine) Unwatch(sub *subscription.Subscription) {
	if sub == nil {
		return
	}
	e.subs.Unregister(sub)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.subs.Has(sub.Key()) {
		delete(e.watches, sub.Key())
		e.order = slices.DeleteFunc(e.order, func(k string) bool { return k == sub.Key() })
	}
}

func (e *Engine) open(key string, w watch) (*subscription.Subscription, error) {
	return e.subs.Register(key, func(sub *subscription.Subscription) (subscription.CancelFunc, error) {
		deliver := subscription.Guard(sub, func(change remote.Change) {
			e.Invalidate(w.collection)
			if w.fn != nil {
				w.fn(change)
			}
		})
		cancel, err := e.remote.Subscribe(e.ctx, w.collection, w.filter, deliver)
		if err != nil {
			return nil, err
		}
		return subscription.CancelFunc(cancel), nil
	})
}

// reopen runs after the supervisor has cleaned up every subscription. It
// drops cached reads, reopens the watches in registration order and asks
// for a refresh of each watched collection. Reopen failures are logged and
// not reported to the supervisor.
func (e *Engine) reopen(category supervisor.Category) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	keys := slices.Clone(e.order)
	watches := make([]watch, 0, len(keys))
	for _, k := range keys {
		watches = append(watches, e.watches[k])
	}
	e.mu.Unlock()

	e.records.Clear()
	e.lists.Clear()

	var collections []string
	reopened := 0
	for i, w := range watches {
		if _, err := e.open(keys[i], w); err != nil {
			e.logger.Error("reopen watch failed", "key", keys[i], "error", err)
			continue
		}
		reopened++
		if !slices.Contains(collections, w.collection) {
			collections = append(collections, w.collection)
		}
	}
	e.supervisor.ResetCounts()
	e.logger.Info("watches reopened", "category", category, "reopened", reopened, "watches", len(watches))

	for _, c := range collections {
		if err := e.state.RequestRefresh(c); err != nil {
			e.logger.Warn("refresh request failed", "collection", c, "error", err)
		}
	}
}

// Refresh re-reads collection from the remote store into local state.
func (e *Engine) Refresh(collection string) error {
	return e.state.RequestRefresh(collection)
}

// Load reads collection from the remote store into local state before
// returning, and returns the number of records read.
func (e *Engine) Load(ctx context.Context, collection string) (int, error) {
	e.Invalidate(collection)
	recs, err := e.remote.List(ctx, collection, nil)
	if err != nil {
		e.report(err)
		return 0, fmt.Errorf("load %s: %w", collection, err)
	}
	for _, rec := range recs {
		e.state.Put(collection, rec)
	}
	return len(recs), nil
}

// Get returns one record through the record cache. Not-found results are
// not cached.
func (e *Engine) Get(ctx context.Context, collection, id string) (remote.Record, error) {
	key := cache.Key(collection, "id", id)
	rec, err := e.records.Get(ctx, key, func(ctx context.Context) (remote.Record, error) {
		return e.remote.Get(ctx, collection, id)
	})
	if err != nil {
		e.report(err)
		return nil, err
	}
	return rec.Clone(), nil
}

// List returns every record matching filter through the list cache.
func (e *Engine) List(ctx context.Context, collection string, filter remote.Filter) ([]remote.Record, error) {
	key := cache.Key(collection, cache.FilterPart(filter))
	recs, err := e.lists.Get(ctx, key, func(ctx context.Context) ([]remote.Record, error) {
		return e.remote.List(ctx, collection, filter)
	})
	if err != nil {
		e.report(err)
		return nil, err
	}
	return slices.Clone(recs), nil
}

func pageKey(collection string, filter remote.Filter) string {
	return cache.Key(collection, cache.FilterPart(filter), "page")
}

// Page returns the first page of collection, cached under the filter. A
// fresh cached page is returned with every page loaded so far.
func (e *Engine) Page(ctx context.Context, collection string, filter remote.Filter) (cache.Page[remote.Record], error) {
	page, err := e.records.Page(ctx, pageKey(collection, filter), func(ctx context.Context, cursor string) (cache.Page[remote.Record], error) {
		p, err := e.remote.ListPage(ctx, collection, filter, cursor, e.config.PageSize)
		if err != nil {
			return cache.Page[remote.Record]{}, err
		}
		return cache.Page[remote.Record]{Items: p.Records, Cursor: p.Cursor, HasMore: p.HasMore}, nil
	})
	if err != nil {
		e.report(err)
	}
	return page, err
}

// LoadMore appends the next page to a page opened with Page.
func (e *Engine) LoadMore(ctx context.Context, collection string, filter remote.Filter) (cache.Page[remote.Record], error) {
	page, err := e.records.LoadMore(ctx, pageKey(collection, filter))
	if err != nil && !errors.Is(err, cache.ErrNoPage) {
		e.report(err)
	}
	return page, err
}

// report passes remote failures to the supervisor. Missing records, remote
// or local, say nothing about the connection and are only logged.
func (e *Engine) report(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, local.ErrUnknownRecord):
		e.logger.Debug("record missing, not counted", "error", err)
		return
	}
	e.supervisor.Report(err)
}

// Wait blocks until pending remote writes have finished.
func (e *Engine) Wait() {
	e.syncer.Wait()
}

// Stats returns component statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Watches:    e.subs.Count(),
		Evictions:  e.subs.Evictions(),
		Records:    e.records.Metrics(),
		Lists:      e.lists.Metrics(),
		Supervisor: e.supervisor.Stats(),
		Sync:       e.syncer.Stats(),
	}
}

// Close stops the watches and the synchronizer, then saves the snapshot if
// one is configured. Pending writes that have not started are dropped.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.subs.Cleanup()
	e.cancel()
	<-e.done
	e.unsubscribe()
	e.syncer.Close()

	if e.snapshot == nil {
		return nil
	}
	n, err := e.snapshot.Save(ctx, e.state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	e.logger.Info("local state saved", "records", n)
	return nil
}
