package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/spf13/cobra"

	"github.com/jacentio/tillsync/stream"
)

// maxBatchBytes bounds a posted stream batch.
const maxBatchBytes = 6 << 20

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve DynamoDB stream batches to websocket clients",
		Long: `Serve the stream relay. A stream forwarder posts DynamoDB stream batches
as JSON to /events; every websocket client connected on /stream receives them.

Example:
  tillsync relay --listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":8080", "listen address")

	return cmd
}

// NewRelayMux routes stream clients and batch posts to relay.
func NewRelayMux(relay *stream.Relay, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /stream", relay)
	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var batch events.DynamoDBEvent
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&batch); err != nil {
			http.Error(w, fmt.Sprintf("decode batch: %v", err), http.StatusBadRequest)
			return
		}
		if err := relay.HandleEvent(r.Context(), batch); err != nil {
			logger.Error("relay batch failed", "records", len(batch.Records), "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	logger := opts.Logger()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := stream.NewRelay(logger)
	defer relay.Close()

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           NewRelayMux(relay, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("relay listening", "addr", opts.Listen)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
