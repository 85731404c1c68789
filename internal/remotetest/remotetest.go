// Package remotetest provides an in-memory remote.Store for tests, with call
// recording, an interception hook and a synchronous change feed.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/tillsync/remote"
)

// ErrDrop makes an intercepted write report success without taking effect,
// the way a lost or overwritten write looks to the caller.
var ErrDrop = errors.New("remotetest: write dropped")

// Op names a recorded call.
type Op string

const (
	OpCreate   Op = "create"
	OpGet      Op = "get"
	OpList     Op = "list"
	OpListPage Op = "list_page"
	OpUpdate   Op = "update"
	OpSet      Op = "set"
	OpDelete   Op = "delete"
)

// Call is one recorded store call.
type Call struct {
	Op         Op
	Collection string
	ID         string
	Data       remote.Record
}

// Store is an in-memory remote.Store. The zero value is not usable; call New.
type Store struct {
	mu    sync.Mutex
	data  map[string]map[string]remote.Record
	calls []Call

	intercept func(Call) error

	subMu  sync.Mutex
	nextID int
	subs   map[int]*feedSub
}

type feedSub struct {
	collection string
	filter     remote.Filter
	onChange   func(remote.Change)
	active     bool
}

var _ remote.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		data: make(map[string]map[string]remote.Record),
		subs: make(map[int]*feedSub),
	}
}

// Seed stores records without recording calls or publishing changes.
func (s *Store) Seed(collection string, recs ...remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.put(collection, r.ID(), r)
	}
}

// Records returns the live records of a collection ordered by id, without
// recording a call.
func (s *Store) Records(collection string) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(collection, nil)
}

// Calls returns the recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns recorded calls of one op on one record.
func (s *Store) CallsFor(op Op, collection, id string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op && c.Collection == collection && c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

// SetIntercept installs a hook that runs before every call, outside the
// store lock so it may call the store itself. Returning ErrDrop skips a write
// but reports success; any other error fails the call.
func (s *Store) SetIntercept(fn func(Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// Reset clears recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Store) begin(c Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	hook := s.intercept
	s.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(c)
}

func (s *Store) put(collection, id string, r remote.Record) {
	c, ok := s.data[collection]
	if !ok {
		c = make(map[string]remote.Record)
		s.data[collection] = c
	}
	rec := r.Clone()
	rec["id"] = id
	c[id] = rec
}

func (s *Store) sorted(collection string, filter remote.Filter) []remote.Record {
	var out []remote.Record
	for _, r := range s.data[collection] {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Create implements remote.DocumentStore.
func (s *Store) Create(ctx context.Context, collection string, data remote.Record) (string, error) {
	id := data.ID()
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.begin(Call{Op: OpCreate, Collection: collection, ID: id, Data: data.Clone()}); err != nil {
		if errors.Is(err, ErrDrop) {
			return id, nil
		}
		return "", err
	}

	s.mu.Lock()
	if _, ok := s.data[collection][id]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("remotetest: %s/%s already exists", collection, id)
	}
	s.put(collection, id, data)
	rec := s.data[collection][id].Clone()
	s.mu.Unlock()

	s.publish(remote.Change{Collection: collection, Op: remote.OpPut, ID: id, Record: rec})
	return id, nil
}

// Get implements remote.DocumentStore.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Record, error) {
	if err := s.begin(Call{Op: OpGet, Collection: collection, ID: id}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[collection][id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return r.Clone(), nil
}

// List implements remote.DocumentStore.
func (s *Store) List(ctx context.Context, collection string, filter remote.Filter) ([]remote.Record, error) {
	if err := s.begin(Call{Op: OpList, Collection: collection}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(collection, filter), nil
}

// ListPage implements remote.DocumentStore. The cursor is the offset of the
// next record.
func (s *Store) ListPage(ctx context.Context, collection string, filter remote.Filter, cursor string, limit int) (remote.Page, error) {
	if err := s.begin(Call{Op: OpListPage, Collection: collection}); err != nil {
		return remote.Page{}, err
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return remote.Page{}, fmt.Errorf("remotetest: bad cursor %q", cursor)
		}
		offset = n
	}
	if limit < 1 {
		limit = 50
	}

	s.mu.Lock()
	all := s.sorted(collection, filter)
	s.mu.Unlock()

	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := remote.Page{Records: all[offset:end]}
	if end < len(all) {
		page.HasMore = true
		page.Cursor = strconv.Itoa(end)
	}
	return page, nil
}

// Update implements remote.DocumentStore.
func (s *Store) Update(ctx context.Context, collection, id string, partial remote.Record) error {
	if err := s.begin(Call{Op: OpUpdate, Collection: collection, ID: id, Data: partial.Clone()}); err != nil {
		if errors.Is(err, ErrDrop) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	r, ok := s.data[collection][id]
	if !ok {
		s.mu.Unlock()
		return remote.ErrNotFound
	}
	r = r.Clone()
	for k, v := range partial {
		if k != "id" {
			r[k] = v
		}
	}
	s.put(collection, id, r)
	rec := s.data[collection][id].Clone()
	s.mu.Unlock()

	s.publish(remote.Change{Collection: collection, Op: remote.OpPut, ID: id, Record: rec})
	return nil
}

// Set implements remote.DocumentStore.
func (s *Store) Set(ctx context.Context, collection, id string, data remote.Record) error {
	if err := s.begin(Call{Op: OpSet, Collection: collection, ID: id, Data: data.Clone()}); err != nil {
		if errors.Is(err, ErrDrop) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.put(collection, id, data)
	rec := s.data[collection][id].Clone()
	s.mu.Unlock()

	s.publish(remote.Change{Collection: collection, Op: remote.OpPut, ID: id, Record: rec})
	return nil
}

// Delete implements remote.DocumentStore.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.begin(Call{Op: OpDelete, Collection: collection, ID: id}); err != nil {
		if errors.Is(err, ErrDrop) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	_, existed := s.data[collection][id]
	delete(s.data[collection], id)
	s.mu.Unlock()

	if existed {
		s.publish(remote.Change{Collection: collection, Op: remote.OpDelete, ID: id})
	}
	return nil
}

// Subscribe implements remote.ChangeFeed. Changes are delivered
// synchronously from the writing goroutine.
func (s *Store) Subscribe(ctx context.Context, collection string, filter remote.Filter, onChange func(remote.Change)) (remote.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = &feedSub{collection: collection, filter: filter, onChange: onChange, active: true}
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			sub.active = false
			delete(s.subs, id)
		}
	}, nil
}

// Subscribers returns the number of live feed subscriptions.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Store) publish(change remote.Change) {
	s.subMu.Lock()
	var targets []func(remote.Change)
	for _, sub := range s.subs {
		if !sub.active || sub.collection != change.Collection {
			continue
		}
		if change.Op == remote.OpPut && !sub.filter.Match(change.Record) {
			continue
		}
		targets = append(targets, sub.onChange)
	}
	s.subMu.Unlock()

	for _, fn := range targets {
		fn(change)
	}
}

// Fail returns an intercept hook failing calls matching op, collection and
// id (empty matches any) with err, at most times times (0 means always).
func Fail(op Op, collection, id string, err error, times int) func(Call) error {
	var mu sync.Mutex
	n := 0
	return func(c Call) error {
		if c.Op != op || (collection != "" && c.Collection != collection) || (id != "" && c.ID != id) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if times > 0 && n >= times {
			return nil
		}
		n++
		return err
	}
}
