package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tillsync/internal/testutil"
	"github.com/jacentio/tillsync/subscription"
)

// tracker records cancel calls per key.
type tracker struct {
	mu        sync.Mutex
	cancelled map[string]int
}

func newTracker() *tracker {
	return &tracker{cancelled: map[string]int{}}
}

func (tr *tracker) subscribe(key string) subscription.SubscribeFunc {
	return func(*subscription.Subscription) (subscription.CancelFunc, error) {
		return func() {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			tr.cancelled[key]++
		}, nil
	}
}

func (tr *tracker) count(key string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.cancelled[key]
}

func TestRegistry_Defaults(t *testing.T) {
	r := subscription.New()
	assert.Equal(t, subscription.DefaultCapacity, r.Capacity())
	assert.Equal(t, 0, r.Count())

	r = subscription.New(subscription.WithCapacity(0))
	assert.Equal(t, subscription.DefaultCapacity, r.Capacity(), "non-positive capacity is ignored")
}

func TestRegistry_CapacityInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 20; run++ {
		capacity := 1 + rng.Intn(10)
		r := subscription.New(subscription.WithCapacity(capacity))
		tr := newTracker()

		for i := 0; i < 200; i++ {
			key := fmt.Sprintf("k%d", rng.Intn(3*capacity))
			_, err := r.Register(key, tr.subscribe(key))
			require.NoError(t, err)
			require.LessOrEqual(t, r.Count(), capacity)
		}
	}
}

func TestRegistry_EvictsOldestRegistered(t *testing.T) {
	r := subscription.New(subscription.WithCapacity(3))
	tr := newTracker()

	for _, key := range []string{"a", "b", "c"} {
		_, err := r.Register(key, tr.subscribe(key))
		require.NoError(t, err)
	}

	// Re-registering "a" moves it to the back; "b" becomes the oldest.
	_, err := r.Register("a", tr.subscribe("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, r.Keys())

	_, err = r.Register("d", tr.subscribe("d"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "d"}, r.Keys())
	assert.Equal(t, 1, tr.count("b"), "evicted subscription cancelled")
	assert.Equal(t, 0, tr.count("c"))
	assert.Equal(t, int64(1), r.Evictions())
}

func TestRegistry_NoDuplicateSubscription(t *testing.T) {
	r := subscription.New()
	tr := newTracker()

	first, err := r.Register("orders", tr.subscribe("orders"))
	require.NoError(t, err)
	second, err := r.Register("orders", tr.subscribe("orders"))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, tr.count("orders"), "first cancel invoked exactly once")
	assert.False(t, first.Active())
	assert.True(t, second.Active())
}

func TestRegistry_ReplaceCancelsBeforeSubscribe(t *testing.T) {
	r := subscription.New()
	var order []string

	_, err := r.Register("orders", func(*subscription.Subscription) (subscription.CancelFunc, error) {
		order = append(order, "subscribe-1")
		return func() { order = append(order, "cancel-1") }, nil
	})
	require.NoError(t, err)
	_, err = r.Register("orders", func(*subscription.Subscription) (subscription.CancelFunc, error) {
		order = append(order, "subscribe-2")
		return func() {}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"subscribe-1", "cancel-1", "subscribe-2"}, order)
}

func TestRegistry_SubscribeError(t *testing.T) {
	r := subscription.New()
	boom := errors.New("boom")

	sub, err := r.Register("orders", func(*subscription.Subscription) (subscription.CancelFunc, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, sub)
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.Has("orders"))
}

func TestRegistry_Unregister(t *testing.T) {
	r := subscription.New()
	tr := newTracker()

	sub, err := r.Register("orders", tr.subscribe("orders"))
	require.NoError(t, err)

	r.Unregister(sub)
	r.Unregister(sub)
	r.Unregister(nil)

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, tr.count("orders"))
	assert.False(t, sub.Active())
}

func TestRegistry_UnregisterReplacedIsNoop(t *testing.T) {
	r := subscription.New()
	tr := newTracker()

	old, err := r.Register("orders", tr.subscribe("orders"))
	require.NoError(t, err)
	current, err := r.Register("orders", tr.subscribe("orders"))
	require.NoError(t, err)

	r.Unregister(old)

	assert.True(t, r.Has("orders"), "replacement survives unregister of the old handle")
	assert.True(t, current.Active())
	assert.Equal(t, 1, tr.count("orders"))
}

func TestRegistry_CleanupContinuesPastPanics(t *testing.T) {
	r := subscription.New()
	tr := newTracker()

	_, err := r.Register("a", tr.subscribe("a"))
	require.NoError(t, err)
	_, err = r.Register("bad", func(*subscription.Subscription) (subscription.CancelFunc, error) {
		return func() { panic("cancel failed") }, nil
	})
	require.NoError(t, err)
	_, err = r.Register("c", tr.subscribe("c"))
	require.NoError(t, err)

	assert.NotPanics(t, r.Cleanup)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 1, tr.count("c"))

	r.Cleanup()
	assert.Equal(t, 1, tr.count("a"), "cleanup of an empty registry cancels nothing")
}

func TestRegistry_CloseOnDone(t *testing.T) {
	r := subscription.New()
	tr := newTracker()
	_, err := r.Register("orders", tr.subscribe("orders"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r.CloseOnDone(ctx)
	cancel()

	assert.Eventually(t, func() bool { return tr.count("orders") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RegisteredAt(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	r := subscription.New(subscription.WithClock(clock.Now))

	sub, err := r.Register("orders", newTracker().subscribe("orders"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), sub.RegisteredAt())
	assert.Equal(t, "orders", sub.Key())
}

func TestGuard_DropsLateDeliveries(t *testing.T) {
	r := subscription.New()
	var delivered atomic.Int32
	var deliver func(int)

	sub, err := r.Register("orders", func(sub *subscription.Subscription) (subscription.CancelFunc, error) {
		deliver = subscription.Guard(sub, func(int) { delivered.Add(1) })
		return func() {}, nil
	})
	require.NoError(t, err)

	deliver(1)
	r.Unregister(sub)
	deliver(2)

	assert.Equal(t, int32(1), delivered.Load())
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := subscription.New(subscription.WithCapacity(5))
	tr := newTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%8)
			_, _ = r.Register(key, tr.subscribe(key))
			_ = r.Keys()
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Count(), 5)
}
