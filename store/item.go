package store

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tillsync/remote"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// Item represents a retrieved DynamoDB item with common fields.
type Item struct {
	// Raw is the raw DynamoDB item.
	Raw map[string]types.AttributeValue

	// Record is the user-visible document (managed attributes removed).
	Record remote.Record

	// Version is incremented on every write.
	Version int64

	// CreatedAt is the ISO 8601 creation timestamp.
	CreatedAt string

	// UpdatedAt is the ISO 8601 last update timestamp.
	UpdatedAt string
}

// managed attributes are maintained by the store and never round-trip through
// a remote.Record.
var managed = map[string]bool{
	"pk":         true,
	"ttl":        true,
	"version":    true,
	"created_at": true,
	"updated_at": true,
}

// isManaged reports whether an attribute is owned by the store.
func isManaged(attr string) bool {
	return managed[attr]
}

// unmarshalItem converts a DynamoDB item to an Item struct.
func unmarshalItem(raw map[string]types.AttributeValue) (*Item, error) {
	item := &Item{Raw: raw}

	if v, ok := raw["version"].(*types.AttributeValueMemberN); ok {
		item.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw["created_at"].(*types.AttributeValueMemberS); ok {
		item.CreatedAt = v.Value
	}
	if v, ok := raw["updated_at"].(*types.AttributeValueMemberS); ok {
		item.UpdatedAt = v.Value
	}

	user := make(map[string]types.AttributeValue, len(raw))
	for k, v := range raw {
		if !isManaged(k) {
			user[k] = v
		}
	}
	rec := remote.Record{}
	if err := attributevalue.UnmarshalMap(user, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	item.Record = rec

	return item, nil
}

// marshalRecord converts a record to DynamoDB attributes, dropping managed
// attributes the caller may have carried over from an earlier read.
func marshalRecord(rec remote.Record) (map[string]types.AttributeValue, error) {
	clean := make(map[string]any, len(rec))
	for k, v := range rec {
		if !isManaged(k) {
			clean[k] = v
		}
	}
	av, err := attributevalue.MarshalMap(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return av, nil
}

// DecodeRecord converts a raw DynamoDB item, such as a stream image, to the
// user-visible record.
func DecodeRecord(raw map[string]types.AttributeValue) (remote.Record, error) {
	item, err := unmarshalItem(raw)
	if err != nil {
		return nil, err
	}
	return item.Record, nil
}
