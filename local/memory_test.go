package local_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tillsync/internal/testutil"
	"github.com/jacentio/tillsync/local"
	"github.com/jacentio/tillsync/remote"
)

func recv(t *testing.T, ch <-chan local.Event) local.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return local.Event{}
}

func TestMemory_PutEntityClones(t *testing.T) {
	m := local.NewMemory()
	rec := remote.Record{"id": "o-1", "unsaved": true}
	m.Put("orders", rec)

	rec["unsaved"] = false
	got, ok := m.Entity("orders", "o-1")
	require.True(t, ok)
	assert.True(t, got.Bool("unsaved"), "stored record must not alias the caller's")

	got["unsaved"] = false
	again, _ := m.Entity("orders", "o-1")
	assert.True(t, again.Bool("unsaved"), "returned record must not alias the stored one")

	_, ok = m.Entity("orders", "missing")
	assert.False(t, ok)
}

func TestMemory_ListAndCollections(t *testing.T) {
	m := local.NewMemory()
	m.Put("orders", remote.Record{"id": "b"})
	m.Put("orders", remote.Record{"id": "a"})
	m.Put("tables", remote.Record{"id": "t-1"})
	m.Put("empty", remote.Record{"id": "x"})
	m.Remove("empty", "x")

	list := m.List("orders")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID())
	assert.Equal(t, []string{"orders", "tables"}, m.Collections())
}

func TestMemory_CommitEmitsAfterState(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC))
	m := local.NewMemory(local.WithClock(clock.Now))
	events, cancel := m.Subscribe(1)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Commit(local.KindSave, "orders", remote.Record{"id": "o-1", "tableId": "t-4"}) }()

	ev := recv(t, events)
	assert.Equal(t, local.KindSave, ev.Kind)
	assert.Equal(t, "orders", ev.Collection)
	assert.Equal(t, "o-1", ev.ID)
	assert.Equal(t, clock.Now(), ev.At)

	_, ok := m.Entity("orders", "o-1")
	assert.True(t, ok, "state must be updated before the event is observed")
	require.NoError(t, <-done)
}

func TestMemory_CommitRequiresID(t *testing.T) {
	m := local.NewMemory()
	assert.Error(t, m.Commit(local.KindSave, "orders", remote.Record{"tableId": "t-4"}))
}

func TestMemory_Update(t *testing.T) {
	m := local.NewMemory()
	events, cancel := m.Subscribe(4)
	defer cancel()

	err := m.Update(local.KindMarkUnsaved, "orders", "missing", func(remote.Record) {})
	assert.ErrorIs(t, err, local.ErrUnknownRecord)

	m.Put("orders", remote.Record{"id": "o-1"})
	require.NoError(t, m.Update(local.KindMarkUnsaved, "orders", "o-1", func(r remote.Record) {
		r["unsaved"] = true
	}))

	ev := recv(t, events)
	assert.Equal(t, local.KindMarkUnsaved, ev.Kind)
	got, _ := m.Entity("orders", "o-1")
	assert.True(t, got.Bool("unsaved"))
}

func TestMemory_Cancel(t *testing.T) {
	m := local.NewMemory()
	events, cancel := m.Subscribe(2)
	defer cancel()

	m.Put("orders", remote.Record{"id": "o-1"})
	require.NoError(t, m.Cancel("orders", "o-1", false))
	require.NoError(t, m.Cancel("orders", "o-2", true))

	assert.Equal(t, local.KindCancel, recv(t, events).Kind)
	assert.Equal(t, local.KindCancelEmpty, recv(t, events).Kind)
	_, ok := m.Entity("orders", "o-1")
	assert.False(t, ok)
}

func TestMemory_MergeGroup(t *testing.T) {
	m := local.NewMemory()
	events, cancel := m.Subscribe(1)
	defer cancel()

	m.Put("orders", remote.Record{"id": "A", "items": []any{"burger"}, "quantity": 2})
	m.Put("orders", remote.Record{"id": "B", "items": []string{"fries", "cola"}, "quantity": float64(3)})

	composite, err := m.MergeGroup("orders", []string{"A", "B"}, "T")
	require.NoError(t, err)

	assert.Equal(t, "T", composite.ID())
	assert.Equal(t, []any{"burger", "fries", "cola"}, composite["items"])
	assert.Equal(t, 5, composite["quantity"])
	assert.True(t, composite.Bool("isMerged"))
	assert.Equal(t, []string{"A", "B"}, composite["mergedIds"])

	_, okA := m.Entity("orders", "A")
	_, okB := m.Entity("orders", "B")
	assert.False(t, okA || okB, "sources are folded into the composite")

	ev := recv(t, events)
	assert.Equal(t, local.KindMergeGroup, ev.Kind)
	assert.Equal(t, "T", ev.TargetID())
	assert.Equal(t, []string{"A", "B"}, ev.SourceIDs)
}

func TestMemory_MergeGroupUnknownSource(t *testing.T) {
	m := local.NewMemory()
	m.Put("orders", remote.Record{"id": "A"})

	_, err := m.MergeGroup("orders", []string{"A", "B"}, "T")
	assert.ErrorIs(t, err, local.ErrUnknownRecord)
	_, ok := m.Entity("orders", "A")
	assert.True(t, ok, "a failed merge leaves state untouched")
}

func TestMemory_UnmergeGroup(t *testing.T) {
	m := local.NewMemory()
	events, cancel := m.Subscribe(2)
	defer cancel()

	m.Put("orders", remote.Record{"id": "A"})
	m.Put("orders", remote.Record{"id": "B"})
	_, err := m.MergeGroup("orders", []string{"A", "B"}, "T")
	require.NoError(t, err)
	recv(t, events)

	require.NoError(t, m.UnmergeGroup("orders", "T", map[string]int{"A": 3}))

	ev := recv(t, events)
	assert.Equal(t, local.KindUnmergeGroup, ev.Kind)
	assert.Equal(t, []string{"A", "B"}, ev.SourceIDs)
	assert.Equal(t, map[string]int{"A": 3}, ev.Preserved)
	_, ok := m.Entity("orders", "T")
	assert.False(t, ok)

	assert.ErrorIs(t, m.UnmergeGroup("orders", "T", nil), local.ErrUnknownRecord)
}

func TestMemory_CompositeFlags(t *testing.T) {
	m := local.NewMemory()
	events, cancel := m.Subscribe(2)
	defer cancel()

	m.Put("tables", remote.Record{"id": "t-1", "active": true})
	m.Put("tables", remote.Record{"id": "t-2", "active": true})

	require.NoError(t, m.MergeComposite("tables", []string{"t-1", "t-2"}, "g-1"))
	assert.Equal(t, local.KindMergeComposite, recv(t, events).Kind)

	t1, _ := m.Entity("tables", "t-1")
	g, _ := m.Entity("tables", "g-1")
	assert.False(t, t1.Bool("active"))
	assert.Equal(t, "g-1", t1["groupId"])
	assert.True(t, g.Bool("active"))
	assert.Equal(t, []string{"t-1", "t-2"}, g["members"])

	require.NoError(t, m.UnmergeComposite("tables", "g-1"))
	ev := recv(t, events)
	assert.Equal(t, local.KindUnmergeComposite, ev.Kind)
	assert.Equal(t, []string{"t-1", "t-2"}, ev.SourceIDs)

	t1, _ = m.Entity("tables", "t-1")
	g, _ = m.Entity("tables", "g-1")
	assert.True(t, t1.Bool("active"))
	assert.Nil(t, t1["groupId"])
	assert.False(t, g.Bool("active"))
}

func TestMemory_UnsubscribeUnblocksEmit(t *testing.T) {
	m := local.NewMemory()
	_, cancel := m.Subscribe(0)

	done := make(chan error, 1)
	go func() { done <- m.RequestRefresh("orders") }()

	// Nobody reads; ending the subscription must release the emit.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("emit stayed blocked after unsubscribe")
	}
}

func TestMemory_Close(t *testing.T) {
	m := local.NewMemory()
	events, _ := m.Subscribe(1)

	m.Close()

	_, ok := <-events
	assert.False(t, ok, "subscriber channel closed")
	assert.ErrorIs(t, m.RequestRefresh("orders"), local.ErrClosed)

	late, _ := m.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestValues(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, local.Strings([]any{"a", "b"}))
	assert.Equal(t, []string{"a"}, local.Strings([]string{"a"}))
	assert.Nil(t, local.Strings(nil))

	assert.Equal(t, []any{"x"}, local.AnySlice([]string{"x"}))
	assert.Nil(t, local.AnySlice("x"))

	assert.Equal(t, 3, local.Int(3))
	assert.Equal(t, 3, local.Int(float64(3)))
	assert.Equal(t, 4, local.Int(int64(4)))
	assert.Equal(t, 5, local.Int("5"))
	assert.Equal(t, 0, local.Int(nil))
}
