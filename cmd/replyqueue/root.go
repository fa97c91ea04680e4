package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
	"github.com/agentworkforce/replyqueue/internal/config"
	"github.com/agentworkforce/replyqueue/internal/logging"
)

type rootOptions struct {
	configPath string
}

// newRootCmd creates the root replyqueue command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "replyqueue",
		Short:         "Instagram comment reply queue",
		Long:          "replyqueue receives Instagram comment webhooks, queues one task per comment\nand answers them with an LLM according to the current reply mode.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("REPLYQUEUE_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newMigrateCmd(opts),
		newModeCmd(opts),
		newTasksCmd(opts),
		newAskCmd(opts),
	)
	return cmd
}

// app holds what most subcommands share: config, logger and open stores.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    commentqueue.Store
	settings commentqueue.SettingsStore
}

func (o *rootOptions) loadConfig(stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openApp loads config, runs validate and opens the task store plus the
// settings store (the task store itself when no settings DSN is set).
func openApp(cmd *cobra.Command, opts *rootOptions, validate func(config.Config) error) (*app, error) {
	cfg, logger, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, err
		}
	}
	storeOpts := commentqueue.Options{DefaultReplyMode: commentqueue.NormalizeReplyMode(cfg.Settings.DefaultMode)}
	store, err := commentqueue.OpenFromDSN(cfg.Database.DSN, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.EnsureSchema(commandContext(cmd)); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	settings, err := commentqueue.OpenSettingsFromDSN(cfg.Settings.DSN, storeOpts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open settings: %w", err)
	}
	if settings == nil {
		settings = store
	}
	return &app{cfg: cfg, logger: logger, store: store, settings: settings}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
