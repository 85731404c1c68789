package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Records are soft deleted: Delete stamps the ttl attribute with the deletion
// time and DynamoDB purges the item some time later. Until then every read
// treats a ttl at or before now as absent.
const ttlAttr = "ttl"

// DeletedAt returns the soft-delete time stamped on item, if any.
func DeletedAt(item map[string]types.AttributeValue) (time.Time, bool) {
	n, ok := item[ttlAttr].(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// IsDeleted reports whether item has been soft deleted.
func IsDeleted(item map[string]types.AttributeValue) bool {
	return deletedBy(item, time.Now())
}

func deletedBy(item map[string]types.AttributeValue, now time.Time) bool {
	at, ok := DeletedAt(item)
	return ok && at.Unix() <= now.Unix()
}

// TTLFilterExpr hides soft-deleted records from a Query. Pair it with
// TTLFilterNames and TTLFilterValues.
func TTLFilterExpr() string {
	return "attribute_not_exists(#ttl) OR #ttl > :now"
}

// TTLFilterNames returns the attribute names used by the ttl expressions.
func TTLFilterNames() map[string]string {
	return map[string]string{"#ttl": ttlAttr}
}

// TTLFilterValues returns the :now value for the ttl expressions.
func TTLFilterValues() map[string]types.AttributeValue {
	return ttlValues(time.Now())
}

func ttlValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
	}
}

// LiveCondition holds for a stored record that has not been soft deleted.
// Updates and deletes use it so they never resurrect or touch a tombstone.
func LiveCondition() string {
	return "attribute_exists(id) AND attribute_not_exists(#ttl)"
}

// CreateCondition lets Create claim an id that is free or held only by a
// tombstone.
func CreateCondition() string {
	return "attribute_not_exists(id) OR #ttl <= :now"
}

// mergeExpr combines expression attribute maps. Later maps win on conflicts.
func mergeExpr[V any](maps ...map[string]V) map[string]V {
	out := make(map[string]V)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
