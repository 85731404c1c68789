package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacentio/tillsync/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	TenantID   string
	Verbose    bool
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tillsync",
		Short:         "Point-of-sale sync engine",
		Long:          "Keeps local order and table state in sync with a multi-tenant DynamoDB store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.TenantID, "tenant", "", "tenant id, overrides the config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))

	return cmd
}

// Config loads the configuration file, or the defaults when none is given,
// and applies flag overrides.
func (o *RootOptions) Config() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = engine.LoadConfig(o.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if o.TenantID != "" {
		cfg.TenantID = o.TenantID
	}
	return cfg.Validated(), nil
}

// Logger returns a text logger on stderr at debug level when verbose.
func (o *RootOptions) Logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
