// Package remote defines the narrow interfaces through which the engine talks
// to the multi-tenant document store and its change feed.
//
// Implementations are scoped to a single tenant at construction time, so none
// of the methods take a tenant id.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist or has been deleted.
var ErrNotFound = errors.New("tillsync: record not found")

// Record is a single document. The "id" field holds the record id.
type Record map[string]any

// ID returns the record id, or an empty string when absent.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	switch v := r["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Bool returns the boolean value of a field, false when absent or not a bool.
func (r Record) Bool(field string) bool {
	b, _ := r[field].(bool)
	return b
}

// Filter is an equality filter: a record matches when every field equals the
// given value. A nil or empty filter matches every record.
type Filter map[string]any

// Match reports whether the record satisfies the filter.
func (f Filter) Match(r Record) bool {
	for k, want := range f {
		got, ok := r[k]
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if !equal(got, want) {
			return false
		}
	}
	return true
}

// equal compares scalar values, treating numbers of different Go types as equal
// when they print the same (decoded documents use float64 for numbers).
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case string, bool:
		return a == b
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Page is one page of a paginated list.
type Page struct {
	Records []Record
	// Cursor is opaque; pass it back to ListPage to fetch the next page.
	Cursor  string
	HasMore bool
}

// DocumentStore is the request/response side of the remote store.
type DocumentStore interface {
	// Create stores a new record and returns its id. When data carries an
	// "id" it is used, otherwise one is generated.
	Create(ctx context.Context, collection string, data Record) (string, error)

	// Get returns the record, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Record, error)

	// List returns every live record matching filter.
	List(ctx context.Context, collection string, filter Filter) ([]Record, error)

	// ListPage returns up to limit records starting after cursor.
	ListPage(ctx context.Context, collection string, filter Filter, cursor string, limit int) (Page, error)

	// Update applies a partial update. Returns ErrNotFound if the record is gone.
	Update(ctx context.Context, collection, id string, partial Record) error

	// Set writes the full record under id, replacing any existing record.
	Set(ctx context.Context, collection, id string, data Record) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error
}

// Op is the kind of a change event.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Change is a single remote change delivered to subscribers.
type Change struct {
	Collection string
	Op         Op
	ID         string
	// Record is the new image; nil for deletes.
	Record Record
}

// CancelFunc stops a subscription. It must be safe to call more than once.
type CancelFunc func()

// ChangeFeed delivers remote changes to subscribers.
type ChangeFeed interface {
	// Subscribe calls onChange for every change in collection matching filter
	// until the returned CancelFunc is called.
	Subscribe(ctx context.Context, collection string, filter Filter, onChange func(Change)) (CancelFunc, error)
}

// Store is a full remote collaborator.
type Store interface {
	DocumentStore
	ChangeFeed
}

type joined struct {
	DocumentStore
	ChangeFeed
}

// Join combines a document store and a change feed into a Store.
func Join(docs DocumentStore, feed ChangeFeed) Store {
	return joined{DocumentStore: docs, ChangeFeed: feed}
}
