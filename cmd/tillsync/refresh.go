package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jacentio/tillsync/engine"
)

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [collection...]",
		Short: "Re-read collections from DynamoDB into local state",
		Long: `Re-read collections from DynamoDB into local state and save the
snapshot. Without arguments the order and table collections are refreshed.

Example:
  tillsync refresh --config ./tillsync.yaml
  tillsync refresh orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.Config()
			if err != nil {
				return err
			}
			if cfg.SnapshotPath == "" {
				return errors.New("refresh needs snapshot_path in the config")
			}
			collections := args
			if len(collections) == 0 {
				collections = []string{cfg.OrdersCollection, cfg.TablesCollection}
			}
			return refresh(cmd, cfg, rootOpts.Logger(), collections)
		},
	}
}

func refresh(cmd *cobra.Command, cfg engine.Config, logger *slog.Logger, collections []string) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close(ctx))
	}()

	for _, c := range collections {
		n, lerr := rt.Load(ctx, c)
		if lerr != nil {
			err = errors.Join(err, lerr)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", c, n)
	}
	return err
}
