package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/config"
	"github.com/agentworkforce/replyqueue/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the "replyqueue serve" subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cmd, opts, config.Config.ValidateServer)
			if err != nil {
				return err
			}
			defer a.Close()

			handler := httpapi.NewServer(a.store, a.settings, httpapi.ServerConfig{
				AppSecret:       a.cfg.Webhook.AppSecret,
				VerifyToken:     a.cfg.Webhook.VerifyToken,
				AdminToken:      a.cfg.Webhook.AdminToken,
				RateLimitMax:    a.cfg.Webhook.RateLimitMax,
				RateLimitWindow: a.cfg.Webhook.RateLimitWindow,
				MaxBodyBytes:    a.cfg.Webhook.MaxBodyBytes,
				Logger:          a.logger,
			})
			if a.cfg.Webhook.AppSecret == "" {
				a.logger.Warn("META_APP_SECRET not set, webhook signatures are not checked")
			}
			server := &http.Server{
				Addr:              a.cfg.Webhook.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			a.logger.Info("replyqueue listening", "addr", a.cfg.Webhook.Addr)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.logger.Info("replyqueue shutting down")
			return server.Shutdown(shutdownCtx)
		},
	}
}
