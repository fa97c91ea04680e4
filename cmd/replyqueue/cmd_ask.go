package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/worker"
)

// newAskCmd creates "replyqueue ask", a direct line to the reply adapter for
// checking prompts and credentials without touching the queue.
func newAskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask USER_KEY TEXT...",
		Short: "Send one message through the reply adapter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !cfg.LLMEnabled() {
				return errors.New("ask: llm api key is required (OPENAI_API_KEY)")
			}
			adapter, err := newAdapter(cfg, &app{cfg: cfg, logger: logger})
			if err != nil {
				return err
			}
			userKey := worker.UserKey(args[0])
			reply := <-adapter.ReplyAsync(commandContext(cmd), userKey, strings.Join(args[1:], " "))
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}
