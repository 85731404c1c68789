package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jacentio/tillsync/engine"
	"github.com/jacentio/tillsync/remote"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine",
		Long: `Run the sync engine: watch the order and table collections through the
stream relay and keep local state in sync until interrupted.

Example:
  tillsync run --config ./tillsync.yaml
  tillsync run --config ./tillsync.yaml --metrics-addr :9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	return cmd
}

func runEngine(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	if cfg.TenantID == "" {
		return errors.New("tenant id is required")
	}
	logger := opts.Logger()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	rt, err := engine.Open(ctx, cfg, logger, engine.WithMetrics(reg))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			logger.Error("close failed", "error", cerr)
		}
	}()

	for _, c := range []string{cfg.OrdersCollection, cfg.TablesCollection} {
		collection := c
		if _, err := rt.Watch(collection, nil, func(ch remote.Change) {
			logger.Debug("remote change", "collection", collection, "op", ch.Op, "id", ch.ID)
		}); err != nil {
			return fmt.Errorf("watch %s: %w", collection, err)
		}
		if _, err := rt.Load(ctx, collection); err != nil {
			logger.Warn("initial load failed", "collection", collection, "error", err)
		}
	}

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	logger.Info("engine started", "tenant", cfg.TenantID, "relay", cfg.RelayURL)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("engine stopped")
	return nil
}
