package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
	"github.com/agentworkforce/replyqueue/internal/config"
	"github.com/agentworkforce/replyqueue/internal/graph"
	"github.com/agentworkforce/replyqueue/internal/notify"
	"github.com/agentworkforce/replyqueue/internal/replyai"
	"github.com/agentworkforce/replyqueue/internal/worker"
)

// newWorkerCmd creates the "replyqueue worker" subcommand.
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Claim comment tasks and reply to them",
		Long:  "Polls the task queue, reads the reply mode for every task and either skips,\ndrafts or posts a reply through the Graph API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cmd, opts, config.Config.ValidateWorker)
			if err != nil {
				return err
			}
			defer a.Close()

			comments, err := graph.NewClient(graph.Options{
				BaseURL: a.cfg.Graph.BaseURL,
				Version: a.cfg.Graph.Version,
				Token:   a.cfg.Graph.Token,
				Timeout: a.cfg.Graph.Timeout,
			})
			if err != nil {
				return fmt.Errorf("graph client: %w", err)
			}

			var replier worker.Replier
			if a.cfg.LLMEnabled() {
				adapter, err := newAdapter(a.cfg, a)
				if err != nil {
					return err
				}
				replier = adapter
			} else {
				a.logger.Warn("OPENAI_API_KEY not set, worker will use the fallback reply")
			}

			publisher := notify.Nop()
			if a.cfg.Notify.AMQPURL != "" {
				publisher, err = notify.NewAMQPPublisher(a.cfg.Notify.AMQPURL, a.cfg.Notify.Exchange, a.logger)
				if err != nil {
					return fmt.Errorf("amqp publisher: %w", err)
				}
			}
			defer publisher.Close()

			if file, ok := a.settings.(*commentqueue.FileSettingsStore); ok {
				go watchSettings(ctx, a, file)
			}

			w, err := worker.New(a.store, a.settings, comments, replier, worker.Options{
				PollInterval:  a.cfg.Worker.PollInterval,
				PollJitter:    a.cfg.Worker.PollJitter,
				IdleLogEvery:  a.cfg.Worker.IdleLogEvery,
				ReplyLanguage: a.cfg.LLM.ReplyLanguage,
				Logger:        a.logger,
				Publisher:     publisher,
			})
			if err != nil {
				return err
			}
			a.logger.Info("worker configured",
				"poll_interval", a.cfg.Worker.PollInterval.String(),
				"llm_enabled", replier != nil,
				"notify", a.cfg.Notify.AMQPURL != "",
			)
			return w.Run(ctx)
		},
	}
}

// newAdapter builds the reply adapter from config. a supplies the logger.
func newAdapter(cfg config.Config, a *app) (*replyai.Adapter, error) {
	adapter, err := replyai.New(cfg.LLM.APIKey, replyai.Options{
		Model:           cfg.LLM.Model,
		BaseURL:         cfg.LLM.BaseURL,
		SystemPrompt:    cfg.LLM.SystemPrompt,
		MemorySize:      cfg.LLM.MemorySize,
		RateLimitMax:    cfg.LLM.RateLimitMaxRequests,
		RateLimitWindow: cfg.LLM.RateLimitWindow,
		MaxInputChars:   cfg.LLM.MaxInputChars,
		MaxOutputChars:  cfg.LLM.MaxOutputChars,
		Timeout:         cfg.LLM.Timeout,
		MaxUsers:        cfg.LLM.MaxUsers,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("reply adapter: %w", err)
	}
	return adapter, nil
}

func watchSettings(ctx context.Context, a *app, file *commentqueue.FileSettingsStore) {
	err := file.Watch(ctx, func(mode commentqueue.ReplyMode) {
		a.logger.Info("reply mode changed on disk", "mode", mode, "path", file.Path())
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("settings watch stopped", "path", file.Path(), "error", err)
	}
}
