// Package stream turns DynamoDB stream records into remote changes and fans
// them out to subscribers.
package stream

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/tillsync/internal/shard"
	"github.com/jacentio/tillsync/remote"
	"github.com/jacentio/tillsync/store"
)

// Stream event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Decoder maps stream records of one tenant to remote changes.
type Decoder struct {
	tenantID string
	prefix   string
	registry *store.Registry
}

// NewDecoder creates a decoder for the tenant. Tables are resolved to
// collections through the registry first, then by stripping tablePrefix.
func NewDecoder(tenantID, tablePrefix string, registry *store.Registry) *Decoder {
	if registry == nil {
		registry = store.NewRegistry()
	}
	return &Decoder{
		tenantID: tenantID,
		prefix:   tablePrefix,
		registry: registry,
	}
}

// Decode converts a stream record. ok is false for records that carry no
// visible change for the tenant: other tenants, updates to records that are
// already deleted, and TTL expiry of records whose delete was announced when
// the TTL was set.
func (d *Decoder) Decode(record events.DynamoDBEventRecord) (change remote.Change, ok bool, err error) {
	if pk := getStringAttr(record.Change.Keys, "pk"); !strings.HasPrefix(pk, shard.TenantPrefix(d.tenantID)) {
		return remote.Change{}, false, nil
	}

	change.Collection = d.Collection(TableFromARN(record.EventSourceArn))
	change.ID = getStringAttr(record.Change.Keys, "id")

	oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
	newTTL := getNumberAttr(record.Change.NewImage, "ttl")

	switch record.EventName {
	case EventRemove:
		if oldTTL != 0 {
			return remote.Change{}, false, nil
		}
		change.Op = remote.OpDelete
		return change, true, nil

	case EventInsert, EventModify:
		switch {
		case oldTTL == 0 && newTTL != 0:
			change.Op = remote.OpDelete
			return change, true, nil
		case newTTL != 0:
			return remote.Change{}, false, nil
		}
		rec, err := store.DecodeRecord(ConvertImage(record.Change.NewImage))
		if err != nil {
			return remote.Change{}, false, fmt.Errorf("decode %s/%s: %w", change.Collection, change.ID, err)
		}
		change.Op = remote.OpPut
		change.Record = rec
		return change, true, nil
	}

	return remote.Change{}, false, nil
}

// Collection resolves a table name to its collection.
func (d *Decoder) Collection(table string) string {
	if c, ok := d.registry.ByTable(table); ok {
		return c.Name
	}
	return strings.TrimPrefix(table, d.prefix)
}

// TableFromARN extracts the table name from a stream ARN of the form
// arn:aws:dynamodb:region:account:table/NAME/stream/LABEL.
func TableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}
