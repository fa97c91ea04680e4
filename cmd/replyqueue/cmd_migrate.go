package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/config"
)

// newMigrateCmd creates the "replyqueue migrate" subcommand. Schema creation
// is idempotent; openApp already runs it, so this only reports the result.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the event, task and settings tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, opts, config.Config.ValidateStore)
			if err != nil {
				return err
			}
			defer a.Close()
			mode, err := a.settings.GetReplyMode(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (reply mode: %s)\n", mode)
			return nil
		},
	}
}
