package local

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jacentio/tillsync/remote"
)

var (
	// ErrUnknownRecord is returned when a transition names a record that is
	// not in local state.
	ErrUnknownRecord = errors.New("tillsync: local record not found")

	// ErrClosed is returned by transitions after Close.
	ErrClosed = errors.New("tillsync: local state closed")
)

// Field names shared by the order and table collections.
const (
	FieldID        = "id"
	FieldTableID   = "tableId"
	FieldItems     = "items"
	FieldUnsaved   = "unsaved"
	FieldQuantity  = "quantity"
	FieldIsMerged  = "isMerged"
	FieldMergerID  = "mergerId"
	FieldMergedIDs = "mergedIds"
	FieldActive    = "active"
	FieldGroupID   = "groupId"
	FieldMembers   = "members"
)

// Memory is the in-memory local state. Every transition updates state first
// and then emits its Event, so an observer always finds the new state.
type Memory struct {
	clock func() time.Time

	mu   sync.RWMutex
	data map[string]map[string]remote.Record

	// emitMu serialises emits and guards subscribers.
	emitMu sync.Mutex
	subs   map[*eventSub]struct{}
	closed bool
}

type eventSub struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock sets the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.clock = now }
}

// NewMemory creates an empty local state.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		clock: time.Now,
		data:  make(map[string]map[string]remote.Record),
		subs:  make(map[*eventSub]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entity returns a copy of a record.
func (m *Memory) Entity(collection, id string) (remote.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[collection][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Put stores a copy of rec, keyed by its id. No event is emitted.
func (m *Memory) Put(collection string, rec remote.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, rec)
}

func (m *Memory) put(collection string, rec remote.Record) {
	c, ok := m.data[collection]
	if !ok {
		c = make(map[string]remote.Record)
		m.data[collection] = c
	}
	c[rec.ID()] = rec.Clone()
}

// Remove deletes a record. No event is emitted.
func (m *Memory) Remove(collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
}

// List returns copies of every record in a collection, ordered by id.
func (m *Memory) List(collection string) []remote.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]remote.Record, 0, len(m.data[collection]))
	for _, rec := range m.data[collection] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Collections returns the names of non-empty collections, sorted.
func (m *Memory) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, c := range m.data {
		if len(c) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel of events emitted from now on, and a function
// that ends the subscription. The channel is closed when the subscription
// ends or the state is closed. An emit blocks until every subscriber has
// taken the event, so buffer sets how far a subscriber may lag.
func (m *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &eventSub{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	m.emitMu.Lock()
	if m.closed {
		m.emitMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	m.subs[sub] = struct{}{}
	m.emitMu.Unlock()

	return sub.ch, func() { m.unsubscribe(sub) }
}

func (m *Memory) unsubscribe(sub *eventSub) {
	sub.once.Do(func() {
		// Unblock an emit waiting on this subscriber before taking the lock.
		close(sub.done)
		m.emitMu.Lock()
		delete(m.subs, sub)
		m.emitMu.Unlock()
		close(sub.ch)
	})
}

// Emit stamps and publishes an event to every subscriber.
func (m *Memory) Emit(ev Event) error {
	if ev.At.IsZero() {
		ev.At = m.clock()
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
	return nil
}

// Close ends every subscription. Later emits return ErrClosed.
func (m *Memory) Close() {
	m.emitMu.Lock()
	m.closed = true
	subs := make([]*eventSub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.emitMu.Unlock()

	for _, sub := range subs {
		m.unsubscribe(sub)
	}
}

// Commit stores rec and emits kind for it. It covers the single-record
// commit points: save, complete, mark unsaved and discounts.
func (m *Memory) Commit(kind Kind, collection string, rec remote.Record) error {
	if rec.ID() == "" {
		return fmt.Errorf("commit %s: record has no id", kind)
	}
	m.Put(collection, rec)
	return m.Emit(Event{Kind: kind, Collection: collection, ID: rec.ID()})
}

// Update applies mutate to a stored record and emits kind.
func (m *Memory) Update(kind Kind, collection, id string, mutate func(remote.Record)) error {
	m.mu.Lock()
	rec, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownRecord, collection, id)
	}
	rec = rec.Clone()
	mutate(rec)
	m.put(collection, rec)
	m.mu.Unlock()

	return m.Emit(Event{Kind: kind, Collection: collection, ID: id})
}

// Cancel removes a record and emits a cancel event. empty marks an order
// cancelled before any item was added.
func (m *Memory) Cancel(collection, id string, empty bool) error {
	kind := KindCancel
	if empty {
		kind = KindCancelEmpty
	}
	m.Remove(collection, id)
	return m.Emit(Event{Kind: kind, Collection: collection, ID: id})
}

// RequestRefresh asks for a collection to be re-read from the remote store.
func (m *Memory) RequestRefresh(collection string) error {
	return m.Emit(Event{Kind: KindRefreshAll, Collection: collection})
}

// MergeGroup folds the source records into a composite stored under
// targetID and removes the sources. Items are concatenated and guest counts
// summed. A target that is also a source is folded like the others.
func (m *Memory) MergeGroup(collection string, sourceIDs []string, targetID string) (remote.Record, error) {
	m.mu.Lock()
	items := []any{}
	quantity := 0
	for _, id := range sourceIDs {
		src, ok := m.data[collection][id]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownRecord, collection, id)
		}
		items = append(items, AnySlice(src[FieldItems])...)
		quantity += Int(src[FieldQuantity])
	}

	composite := remote.Record{
		FieldID:        targetID,
		FieldTableID:   targetID,
		FieldItems:     items,
		FieldQuantity:  quantity,
		FieldUnsaved:   true,
		FieldIsMerged:  true,
		FieldMergerID:  nil,
		FieldMergedIDs: append([]string(nil), sourceIDs...),
	}
	for _, id := range sourceIDs {
		delete(m.data[collection], id)
	}
	m.put(collection, composite)
	m.mu.Unlock()

	err := m.Emit(Event{
		Kind:       KindMergeGroup,
		Collection: collection,
		ID:         targetID,
		SourceIDs:  append([]string(nil), sourceIDs...),
	})
	return composite.Clone(), err
}

// UnmergeGroup removes the composite and emits the unmerge. The sources are
// recreated by the synchronizer from preserved.
func (m *Memory) UnmergeGroup(collection, targetID string, preserved map[string]int) error {
	m.mu.Lock()
	composite, ok := m.data[collection][targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownRecord, collection, targetID)
	}
	sourceIDs := Strings(composite[FieldMergedIDs])
	delete(m.data[collection], targetID)
	m.mu.Unlock()

	return m.Emit(Event{
		Kind:       KindUnmergeGroup,
		Collection: collection,
		ID:         targetID,
		SourceIDs:  sourceIDs,
		Preserved:  preserved,
	})
}

// MergeComposite groups physical resources: sources become inactive members
// of the target group and the target becomes the active record.
func (m *Memory) MergeComposite(collection string, sourceIDs []string, targetID string) error {
	m.mu.Lock()
	for _, id := range sourceIDs {
		src, ok := m.data[collection][id]
		if !ok {
			src = remote.Record{FieldID: id}
		}
		src = src.Clone()
		src[FieldActive] = false
		src[FieldGroupID] = targetID
		m.put(collection, src)
	}
	target, ok := m.data[collection][targetID]
	if !ok {
		target = remote.Record{FieldID: targetID}
	}
	target = target.Clone()
	target[FieldActive] = true
	target[FieldGroupID] = nil
	target[FieldMembers] = append([]string(nil), sourceIDs...)
	m.put(collection, target)
	m.mu.Unlock()

	return m.Emit(Event{
		Kind:       KindMergeComposite,
		Collection: collection,
		ID:         targetID,
		SourceIDs:  append([]string(nil), sourceIDs...),
	})
}

// UnmergeComposite dissolves a group: the target becomes inactive and every
// member becomes active again.
func (m *Memory) UnmergeComposite(collection, targetID string) error {
	m.mu.Lock()
	target, ok := m.data[collection][targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownRecord, collection, targetID)
	}
	members := Strings(target[FieldMembers])
	target = target.Clone()
	target[FieldActive] = false
	target[FieldMembers] = nil
	m.put(collection, target)
	for _, id := range members {
		src, ok := m.data[collection][id]
		if !ok {
			src = remote.Record{FieldID: id}
		}
		src = src.Clone()
		src[FieldActive] = true
		src[FieldGroupID] = nil
		m.put(collection, src)
	}
	m.mu.Unlock()

	return m.Emit(Event{
		Kind:       KindUnmergeComposite,
		Collection: collection,
		ID:         targetID,
		SourceIDs:  members,
	})
}
