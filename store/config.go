package store

// Config holds configuration for the Store.
type Config struct {
	// TenantID scopes every read and write.
	TenantID string

	// TablePrefix is prepended to collection names that are not in the registry.
	// Default: "tillsync_"
	TablePrefix string

	// NumShards is the number of partitions per tenant in each table.
	// Higher values increase write throughput but require more parallel queries
	// on List.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// PageSize is the default ListPage limit when the caller passes 0.
	// Default: 50
	PageSize int
}

// DefaultConfig returns sensible defaults for small tenants.
func DefaultConfig() Config {
	return Config{
		TablePrefix: "tillsync_",
		NumShards:   1,
		PageSize:    50,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TablePrefix == "" {
		c.TablePrefix = "tillsync_"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.PageSize < 1 {
		c.PageSize = 50
	}
}
