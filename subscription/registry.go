// Package subscription keeps a bounded set of live change subscriptions,
// evicting the oldest-registered one when full.
package subscription

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of live subscriptions kept by default.
const DefaultCapacity = 10

// CancelFunc stops a subscription.
type CancelFunc func()

// SubscribeFunc opens the underlying subscription for sub and returns the
// function that stops it. Deliveries should be dropped once sub.Active()
// is false.
type SubscribeFunc func(sub *Subscription) (CancelFunc, error)

// Subscription is a registered subscription. Its cancel function runs
// exactly once, on replacement, eviction, unregister or cleanup.
type Subscription struct {
	key          string
	registeredAt time.Time
	cancel       CancelFunc
	active       atomic.Bool
	once         sync.Once
}

// Key returns the registry key.
func (s *Subscription) Key() string { return s.key }

// RegisteredAt returns when the subscription was registered.
func (s *Subscription) RegisteredAt() time.Time { return s.registeredAt }

// Active reports whether the subscription has not been cancelled.
func (s *Subscription) Active() bool { return s.active.Load() }

// Guard wraps a delivery callback so it is dropped after sub is cancelled.
func Guard[T any](sub *Subscription, fn func(T)) func(T) {
	return func(v T) {
		if sub.Active() {
			fn(v)
		}
	}
}

// Registry holds live subscriptions in registration order.
type Registry struct {
	capacity int
	clock    func() time.Time
	logger   *slog.Logger

	// registerMu serialises Register so replacement and eviction decisions
	// hold across the unlocked subscribe call.
	registerMu sync.Mutex

	mu      sync.Mutex
	order   *list.List // of *Subscription, oldest first
	index   map[string]*list.Element
	evicted atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity sets the maximum number of live subscriptions.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithClock sets the clock used for registration timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		capacity: DefaultCapacity,
		clock:    time.Now,
		logger:   slog.Default(),
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capacity returns the configured capacity.
func (r *Registry) Capacity() int { return r.capacity }

// Register opens a subscription under key. An existing subscription for key
// is cancelled first. When the registry is full the oldest-registered
// subscription is evicted before subscribe runs. If subscribe fails nothing
// is registered and the error is returned.
func (r *Registry) Register(key string, subscribe SubscribeFunc) (*Subscription, error) {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	var stale []*Subscription
	r.mu.Lock()
	if e, ok := r.index[key]; ok {
		stale = append(stale, r.remove(e))
	}
	for r.order.Len() >= r.capacity {
		oldest := r.remove(r.order.Front())
		r.evicted.Add(1)
		r.logger.Debug("subscription evicted", "key", oldest.key, "registeredAt", oldest.registeredAt)
		stale = append(stale, oldest)
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.stop(s)
	}

	sub := &Subscription{key: key, registeredAt: r.clock()}
	sub.active.Store(true)
	cancel, err := subscribe(sub)
	if err != nil {
		sub.active.Store(false)
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	sub.cancel = cancel

	r.mu.Lock()
	r.index[key] = r.order.PushBack(sub)
	r.mu.Unlock()
	return sub, nil
}

// remove unlinks an element. Caller holds mu.
func (r *Registry) remove(e *list.Element) *Subscription {
	sub := r.order.Remove(e).(*Subscription)
	delete(r.index, sub.key)
	return sub
}

// stop cancels a subscription once, recovering a panicking cancel function.
func (r *Registry) stop(sub *Subscription) {
	sub.once.Do(func() {
		sub.active.Store(false)
		if sub.cancel == nil {
			return
		}
		defer func() {
			if v := recover(); v != nil {
				r.logger.Error("subscription cancel panicked", "key", sub.key, "panic", v)
			}
		}()
		sub.cancel()
	})
}

// Unregister cancels and removes sub. It is a no-op when sub was already
// removed or replaced.
func (r *Registry) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.index[sub.key]
	if !ok || e.Value.(*Subscription) != sub {
		r.mu.Unlock()
		return
	}
	r.remove(e)
	r.mu.Unlock()

	r.stop(sub)
}

// Cleanup cancels every subscription and clears the registry. A failing
// cancel function is logged and cleanup continues with the rest.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		subs = append(subs, e.Value.(*Subscription))
	}
	r.order.Init()
	r.index = make(map[string]*list.Element)
	r.mu.Unlock()

	for _, s := range subs {
		r.stop(s)
	}
	if len(subs) > 0 {
		r.logger.Info("subscriptions cleaned up", "count", len(subs))
	}
}

// CloseOnDone runs Cleanup when ctx ends. The returned function detaches it.
func (r *Registry) CloseOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, r.Cleanup)
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Keys returns the registered keys, oldest first.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*Subscription).key)
	}
	return keys
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[key]
	return ok
}

// Evictions returns the number of capacity evictions so far.
func (r *Registry) Evictions() int64 {
	return r.evicted.Load()
}
