// Package syncer propagates committed local state transitions to the remote
// store. It observes the local event stream and never writes back into the
// event flow; failures are logged and reported, local state is never rolled
// back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/tillsync/local"
	"github.com/jacentio/tillsync/remote"
)

var (
	// ErrVerificationMismatch is reported when a flag update is still not
	// visible after its single retry.
	ErrVerificationMismatch = errors.New("tillsync: verification mismatch")

	// ErrCompositeMissing is reported when a merge finds no materialised
	// composite in local state.
	ErrCompositeMissing = errors.New("tillsync: composite record not in local state")
)

// Defaults.
const (
	DefaultWriteDelay       = 100 * time.Millisecond
	DefaultOrders           = "orders"
	DefaultTables           = "tables"
	DefaultAssociationField = local.FieldTableID
)

// LocalState is the read side of local state plus the writes needed to
// republish remote records.
type LocalState interface {
	Entity(collection, id string) (remote.Record, bool)
	Put(collection string, rec remote.Record)
	Remove(collection, id string)
}

// Invalidator drops cached reads. *cache.Cache satisfies it.
type Invalidator interface {
	Invalidate(prefix string) int
}

// Stats counts task outcomes.
type Stats struct {
	Scheduled  int64
	Superseded int64
	Succeeded  int64
	Failed     int64
	Pending    int
}

// Syncer is the write-through synchronizer.
type Syncer struct {
	remote      remote.DocumentStore
	state       LocalState
	logger      *slog.Logger
	invalidator Invalidator
	sink        func(error)
	delay       time.Duration
	orders      string
	tables      string
	assoc       string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingTask
	closed  bool

	scheduled  atomic.Int64
	superseded atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
}

type pendingTask struct {
	timer *time.Timer
}

// task is one unit of derived remote work.
type task struct {
	ID    string
	Event local.Event
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInvalidator sets the cache invalidated after each successful write.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Syncer) { s.invalidator = inv }
}

// WithErrorSink sets where failures are reported.
func WithErrorSink(sink func(error)) Option {
	return func(s *Syncer) { s.sink = sink }
}

// WithWriteDelay sets the per-record debounce. Zero runs tasks immediately.
func WithWriteDelay(d time.Duration) Option {
	return func(s *Syncer) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithCollections sets the default collections for order and physical
// grouping events that do not name one.
func WithCollections(orders, tables string) Option {
	return func(s *Syncer) {
		if orders != "" {
			s.orders = orders
		}
		if tables != "" {
			s.tables = tables
		}
	}
}

// WithAssociationField sets the field linking records to a source id.
func WithAssociationField(field string) Option {
	return func(s *Syncer) {
		if field != "" {
			s.assoc = field
		}
	}
}

// New creates a synchronizer. Call Run to start observing events and Close
// to tear it down.
func New(store remote.DocumentStore, state LocalState, opts ...Option) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		remote:  store,
		state:   state,
		logger:  slog.Default(),
		sink:    func(error) {},
		delay:   DefaultWriteDelay,
		orders:  DefaultOrders,
		tables:  DefaultTables,
		assoc:   DefaultAssociationField,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Syncs reports whether kind reaches the remote store. Every other kind is
// local-only.
func Syncs(kind local.Kind) bool {
	switch kind {
	case local.KindSave, local.KindComplete,
		local.KindMarkUnsaved,
		local.KindApplyDiscount, local.KindRemoveDiscount,
		local.KindCancel, local.KindCancelEmpty,
		local.KindMergeGroup, local.KindUnmergeGroup,
		local.KindMergeComposite, local.KindUnmergeComposite,
		local.KindRefreshAll:
		return true
	}
	return false
}

// Run consumes events until the channel is closed or ctx ends. Remote work
// runs on tracked tasks that outlive Run; use Wait or Close to join them.
func (s *Syncer) Run(ctx context.Context, events <-chan local.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ev)
		}
	}
}

// Handle schedules the remote work for one event.
func (s *Syncer) Handle(ev local.Event) {
	if !Syncs(ev.Kind) {
		s.logger.Debug("local-only event", "kind", ev.Kind, "id", ev.ID)
		return
	}
	if ev.Collection == "" {
		ev.Collection = s.defaultCollection(ev.Kind)
	}
	s.schedule(ev)
}

func (s *Syncer) defaultCollection(kind local.Kind) string {
	if kind == local.KindMergeComposite || kind == local.KindUnmergeComposite {
		return s.tables
	}
	return s.orders
}

// debounced reports whether a pending task of kind may be superseded by a
// newer one for the same record. Only kinds that read the record from local
// state when they run qualify: the last one writes everything the earlier
// ones would have. Structural kinds carry their own sources and always run.
func debounced(kind local.Kind) bool {
	switch kind {
	case local.KindSave, local.KindComplete, local.KindMarkUnsaved,
		local.KindApplyDiscount, local.KindRemoveDiscount, local.KindRefreshAll:
		return true
	}
	return false
}

// schedule starts a task after the write delay. A pending debounced task for
// the same kind and record is superseded.
func (s *Syncer) schedule(ev local.Event) {
	t := task{ID: uuid.Must(uuid.NewV7()).String(), Event: ev}
	key := t.ID
	if debounced(ev.Kind) {
		key = strings.Join([]string{string(ev.Kind), ev.Collection, ev.ID}, "|")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("event dropped after close", "kind", ev.Kind, "id", ev.ID)
		return
	}
	if p, ok := s.pending[key]; ok && p.timer.Stop() {
		s.wg.Done()
		s.superseded.Add(1)
		s.logger.Debug("pending task superseded", "kind", ev.Kind, "id", ev.ID)
	}

	s.scheduled.Add(1)
	s.wg.Add(1)
	p := &pendingTask{}
	p.timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.pending[key] == p {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		s.execute(t)
	})
	s.pending[key] = p
}

// Wait blocks until every scheduled task has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Close cancels tasks that have not started, cancels the context of running
// ones and waits for them. Events handled afterwards are dropped.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	for key, p := range s.pending {
		if p.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Stats returns task counters.
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Stats{
		Scheduled:  s.scheduled.Load(),
		Superseded: s.superseded.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Pending:    pending,
	}
}

func (s *Syncer) execute(t task) {
	ev := t.Event
	logger := s.logger.With("task", t.ID, "kind", ev.Kind, "collection", ev.Collection, "id", ev.ID)

	defer func() {
		if v := recover(); v != nil {
			logger.Error("sync task panicked", "panic", v)
			s.failed.Add(1)
			s.sink(fmt.Errorf("sync %s %s: panic: %v", ev.Kind, ev.ID, v))
		}
	}()

	var failed bool
	report := func(op, id string, err error) {
		failed = true
		logger.Error("remote sync failed", "op", op, "target", id, "error", err)
		s.sink(fmt.Errorf("%s %s/%s: %w", op, ev.Collection, id, err))
	}

	s.dispatch(s.ctx, ev, report)

	if failed {
		s.failed.Add(1)
		return
	}
	s.succeeded.Add(1)
	logger.Debug("sync task done")
}

type reportFunc func(op, id string, err error)

func (s *Syncer) dispatch(ctx context.Context, ev local.Event, report reportFunc) {
	switch ev.Kind {
	case local.KindSave, local.KindComplete:
		s.save(ctx, ev, report)
	case local.KindMarkUnsaved:
		s.update(ctx, ev.Collection, ev.ID, remote.Record{local.FieldUnsaved: true}, report)
	case local.KindApplyDiscount, local.KindRemoveDiscount:
		s.discount(ctx, ev, report)
	case local.KindCancel, local.KindCancelEmpty:
		s.delete(ctx, ev.Collection, ev.ID, report)
	case local.KindMergeGroup:
		s.mergeGroup(ctx, ev, report)
	case local.KindUnmergeGroup:
		s.unmergeGroup(ctx, ev, report)
	case local.KindMergeComposite:
		s.mergeComposite(ctx, ev, report)
	case local.KindUnmergeComposite:
		s.unmergeComposite(ctx, ev, report)
	case local.KindRefreshAll:
		s.refreshAll(ctx, ev, report)
	}
}

func (s *Syncer) invalidate(collection string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(collection)
	}
}

// Clean returns the projection of rec written remotely: fields whose name
// begins with "_" are transient and dropped.
func Clean(rec remote.Record) remote.Record {
	out := make(remote.Record, len(rec))
	for k, v := range rec {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out
}

func (s *Syncer) set(ctx context.Context, collection, id string, rec remote.Record, report reportFunc) bool {
	if err := s.remote.Set(ctx, collection, id, rec); err != nil {
		report("set", id, err)
		return false
	}
	s.invalidate(collection)
	return true
}

func (s *Syncer) update(ctx context.Context, collection, id string, partial remote.Record, report reportFunc) bool {
	if err := s.remote.Update(ctx, collection, id, partial); err != nil {
		report("update", id, err)
		return false
	}
	s.invalidate(collection)
	return true
}

func (s *Syncer) delete(ctx context.Context, collection, id string, report reportFunc) bool {
	if err := s.remote.Delete(ctx, collection, id); err != nil {
		report("delete", id, err)
		return false
	}
	s.invalidate(collection)
	return true
}

func (s *Syncer) entity(collection, id string, report reportFunc) (remote.Record, bool) {
	rec, ok := s.state.Entity(collection, id)
	if !ok {
		report("read local", id, fmt.Errorf("%w: %s/%s", local.ErrUnknownRecord, collection, id))
	}
	return rec, ok
}

func (s *Syncer) save(ctx context.Context, ev local.Event, report reportFunc) {
	rec, ok := s.entity(ev.Collection, ev.ID, report)
	if !ok {
		return
	}
	s.set(ctx, ev.Collection, ev.ID, Clean(rec), report)
}

func (s *Syncer) discount(ctx context.Context, ev local.Event, report reportFunc) {
	rec, ok := s.entity(ev.Collection, ev.ID, report)
	if !ok {
		return
	}
	s.update(ctx, ev.Collection, ev.ID, remote.Record{
		local.FieldItems:   rec[local.FieldItems],
		local.FieldUnsaved: rec.Bool(local.FieldUnsaved),
	}, report)
}

func (s *Syncer) refreshAll(ctx context.Context, ev local.Event, report reportFunc) {
	s.invalidate(ev.Collection)
	recs, err := s.remote.List(ctx, ev.Collection, nil)
	if err != nil {
		report("list", "*", err)
		return
	}
	for _, rec := range recs {
		s.state.Put(ev.Collection, rec)
	}
	s.logger.Info("collection refreshed", "collection", ev.Collection, "records", len(recs))
}
