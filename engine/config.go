package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/tillsync/cache"
	"github.com/jacentio/tillsync/store"
	"github.com/jacentio/tillsync/subscription"
	"github.com/jacentio/tillsync/supervisor"
	"github.com/jacentio/tillsync/syncer"
)

// Config holds configuration for the Engine.
type Config struct {
	// TenantID scopes every remote read, write and change.
	TenantID string `yaml:"tenant_id"`

	// TablePrefix is prepended to collection names to form table names.
	// Default: "tillsync_"
	TablePrefix string `yaml:"table_prefix"`

	// NumShards is the number of partitions per tenant in each table.
	// Default: 1
	NumShards int `yaml:"num_shards"`

	// PageSize is the number of records fetched per page.
	// Default: 50
	PageSize int `yaml:"page_size"`

	// SubscriptionCapacity bounds the number of live watches.
	// Default: 10
	SubscriptionCapacity int `yaml:"subscription_capacity"`

	// CacheTTL is how long a cached read stays fresh.
	// Default: 30s
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheCapacity bounds the entries held by each cache.
	// Default: 100
	CacheCapacity int `yaml:"cache_capacity"`

	// ResetThreshold is the failure count per category that resets the
	// subscriptions.
	// Default: 5
	ResetThreshold int `yaml:"reset_threshold"`

	// WriteDelay debounces remote writes per record.
	// Default: 100ms
	WriteDelay time.Duration `yaml:"write_delay"`

	// OrdersCollection and TablesCollection name the order and physical
	// grouping collections.
	// Default: "orders", "tables"
	OrdersCollection string `yaml:"orders_collection"`
	TablesCollection string `yaml:"tables_collection"`

	// Region and Endpoint configure the DynamoDB client. Endpoint is only set
	// for local DynamoDB.
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// RelayURL is the websocket URL of the stream relay. Empty disables the
	// change feed.
	RelayURL string `yaml:"relay_url"`

	// SnapshotPath is the SQLite file local state is persisted to. Empty
	// keeps local state in memory only.
	SnapshotPath string `yaml:"snapshot_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TablePrefix:          "tillsync_",
		NumShards:            1,
		PageSize:             50,
		SubscriptionCapacity: subscription.DefaultCapacity,
		CacheTTL:             cache.DefaultTTL,
		CacheCapacity:        cache.DefaultCapacity,
		ResetThreshold:       supervisor.DefaultThreshold,
		WriteDelay:           syncer.DefaultWriteDelay,
		OrdersCollection:     syncer.DefaultOrders,
		TablesCollection:     syncer.DefaultTables,
	}
}

// validate replaces out of range values with defaults.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.TablePrefix == "" {
		c.TablePrefix = d.TablePrefix
	}
	if c.NumShards < 1 {
		c.NumShards = d.NumShards
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.PageSize < 1 {
		c.PageSize = d.PageSize
	}
	if c.SubscriptionCapacity < 1 {
		c.SubscriptionCapacity = d.SubscriptionCapacity
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheCapacity < 1 {
		c.CacheCapacity = d.CacheCapacity
	}
	if c.ResetThreshold < 1 {
		c.ResetThreshold = d.ResetThreshold
	}
	if c.WriteDelay < 0 {
		c.WriteDelay = d.WriteDelay
	}
	if c.OrdersCollection == "" {
		c.OrdersCollection = d.OrdersCollection
	}
	if c.TablesCollection == "" {
		c.TablesCollection = d.TablesCollection
	}
}

// Validated returns a copy of c with defaults applied.
func (c Config) Validated() Config {
	c.validate()
	return c
}

// StoreConfig returns the store configuration derived from c.
func (c Config) StoreConfig() store.Config {
	return store.Config{
		TenantID:    c.TenantID,
		TablePrefix: c.TablePrefix,
		NumShards:   c.NumShards,
		PageSize:    c.PageSize,
	}
}

// LoadConfig reads a YAML file over the defaults. Durations use Go syntax,
// e.g. "30s".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.validate()
	return cfg, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
