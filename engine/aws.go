package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/tillsync/local"
	"github.com/jacentio/tillsync/remote"
	"github.com/jacentio/tillsync/store"
	"github.com/jacentio/tillsync/stream"
)

// Registry returns the collection registry for the configured order and
// table collections.
func (c Config) Registry() *store.Registry {
	c.validate()
	reg := store.NewRegistry()
	for _, name := range []string{c.OrdersCollection, c.TablesCollection} {
		reg.Register(store.Collection{Name: name, TableName: c.TablePrefix + name})
	}
	return reg
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain, applying the configured region and endpoint.
func NewDynamoClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewDynamoStore builds the DynamoDB document store for cfg.
func NewDynamoStore(ctx context.Context, cfg Config) (*store.Store, error) {
	cfg.validate()
	client, err := NewDynamoClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store.NewWithRegistry(client, cfg.StoreConfig(), cfg.Registry()), nil
}

// NewFeed builds the websocket change feed for cfg. Connection errors go to
// sink.
func NewFeed(cfg Config, header http.Header, logger *slog.Logger, sink func(error)) *stream.Feed {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}
	hub := stream.NewHub(stream.NewDecoder(cfg.TenantID, cfg.TablePrefix, cfg.Registry()), logger)
	return stream.NewFeed(cfg.RelayURL, hub,
		stream.WithHeader(header),
		stream.WithLogger(logger),
		stream.WithErrorSink(sink),
	)
}

// Runtime is an engine connected to DynamoDB and the stream relay.
type Runtime struct {
	*Engine
	Feed *stream.Feed
}

// Open connects to DynamoDB, opens the snapshot file when configured and
// builds the engine. Run starts the change feed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}

	docs, err := NewDynamoStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// The feed reports into the engine's supervisor, which exists only after
	// New. The feed does not run before Open returns.
	var sinkRef func(error)
	feed := NewFeed(cfg, nil, logger, func(err error) {
		if sinkRef != nil {
			sinkRef(err)
		}
	})

	opts = append([]Option{WithLogger(logger)}, opts...)
	var snap *local.Snapshot
	if cfg.SnapshotPath != "" {
		snap, err = local.OpenSnapshot(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSnapshot(snap))
	}

	e, err := New(ctx, cfg, remote.Join(docs, feed), opts...)
	if err != nil {
		if snap != nil {
			snap.Close()
		}
		return nil, err
	}
	sinkRef = e.Supervisor().Sink()
	return &Runtime{Engine: e, Feed: feed}, nil
}

// Run runs the change feed until ctx ends. Without a relay URL it waits for
// ctx only.
func (r *Runtime) Run(ctx context.Context) error {
	if r.config.RelayURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.Feed.Run(ctx)
}

// Close closes the engine and the snapshot file.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Engine.Close(ctx)
	if r.snapshot != nil {
		if cerr := r.snapshot.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
