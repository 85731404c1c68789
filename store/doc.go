// Package store provides a DynamoDB implementation of the remote document store.
//
// Every collection lives in its own table. Records of a tenant share a
// partition key ("tenant#<id>#<shard>") and are addressed by their "id" sort
// key, so a Store value only ever sees the tenant it was configured with.
//
// # Key Features
//
//   - Tenant-scoped partitions with optional write sharding
//   - Soft deletes via TTL: deleted records vanish from reads immediately and
//     are purged by DynamoDB later (the TTL write also shows up on the table
//     stream, see package stream)
//   - Equality filters merged with the TTL filter on every list
//   - Cursor pagination across shards
//
// # Tables
//
// Each collection table has the key schema:
//
//	pk (S, HASH)  tenant#<tenant>#<shard>
//	id (S, RANGE) record id
//
// Table names come from the [Registry]; unregistered collections fall back to
// Config.TablePrefix + collection.
//
// # Configuration
//
// Use [DefaultConfig] for small tenants (NumShards=1, single queries).
// Increase NumShards for higher write throughput per tenant:
//
//	cfg := store.DefaultConfig()
//	cfg.TenantID = "acme"
//	cfg.NumShards = 4
//
// # Errors
//
//   - [ErrNotFound] - record doesn't exist or is deleted (same value as remote.ErrNotFound)
//   - [ErrAlreadyExists] - Create with an id that is already live
//   - [ErrInvalidCursor] - ListPage cursor could not be decoded
package store
