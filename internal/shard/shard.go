// Package shard provides partition key and digest helpers for tenant-scoped tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
)

// TenantPK computes the partition key for a record owned by a tenant.
// With numShards=1, all records of a tenant go to shard "00".
// With numShards>1, records are distributed across shards based on the record id hash.
func TenantPK(tenantID, recordID string, numShards int) string {
	if numShards <= 1 {
		return ShardPK(tenantID, 0)
	}
	h := fnv.New32a()
	h.Write([]byte(recordID))
	return ShardPK(tenantID, int(h.Sum32()%uint32(numShards)))
}

// ShardPK returns the partition key of one shard of a tenant.
func ShardPK(tenantID string, shard int) string {
	return fmt.Sprintf("%s%02x", TenantPrefix(tenantID), shard)
}

// TenantPrefix is the prefix shared by every partition key of a tenant.
func TenantPrefix(tenantID string) string {
	return "tenant#" + tenantID + "#"
}

// Digest computes a stable hash of a set of key/value pairs.
// Map iteration order does not affect the result.
func Digest(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:8]) // 64-bit hash as hex
}
