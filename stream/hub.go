package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/tillsync/remote"
)

// Hub fans decoded changes out to subscribers. It implements remote.ChangeFeed.
type Hub struct {
	decoder *Decoder
	logger  *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	collection string
	filter     remote.Filter
	onChange   func(remote.Change)
	active     atomic.Bool
}

var _ remote.ChangeFeed = (*Hub)(nil)

// NewHub creates a hub decoding records with decoder.
func NewHub(decoder *Decoder, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		decoder: decoder,
		logger:  logger,
		subs:    make(map[uint64]*subscriber),
	}
}

// Subscribe registers onChange for changes in collection matching filter.
// The subscription ends when the returned CancelFunc is called or ctx is done.
// Deletes are delivered regardless of filter since the deleted image is not
// carried on the stream.
func (h *Hub) Subscribe(ctx context.Context, collection string, filter remote.Filter, onChange func(remote.Change)) (remote.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{collection: collection, filter: filter, onChange: onChange}
	sub.active.Store(true)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.active.Store(false)
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers a change to every matching subscriber.
func (h *Hub) Publish(change remote.Change) int {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.collection != change.Collection {
			continue
		}
		if change.Op == remote.OpPut && !sub.filter.Match(change.Record) {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		// A subscription cancelled after the snapshot above must not see the change.
		if !sub.active.Load() {
			continue
		}
		sub.onChange(change)
		delivered++
	}
	return delivered
}

// HandleEvent decodes a batch of stream records and publishes the changes.
// It has the shape of an AWS Lambda handler so the same code can run behind
// a stream trigger or a relay. Records that fail to decode are logged and
// skipped.
func (h *Hub) HandleEvent(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		change, ok, err := h.decoder.Decode(record)
		if err != nil {
			h.logger.Warn("failed to decode stream record",
				"eventID", record.EventID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		n := h.Publish(change)
		h.logger.Debug("change published",
			"collection", change.Collection,
			"id", change.ID,
			"op", change.Op,
			"subscribers", n,
		)
	}
	return nil
}
