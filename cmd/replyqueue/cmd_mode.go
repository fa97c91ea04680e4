package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/config"
)

// newModeCmd creates "replyqueue mode"; without a subcommand it prints the mode.
func newModeCmd(opts *rootOptions) *cobra.Command {
	printMode := func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd, opts, config.Config.ValidateStore)
		if err != nil {
			return err
		}
		defer a.Close()
		mode, err := a.settings.GetReplyMode(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("mode: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), mode)
		return nil
	}

	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show or change the reply mode (off, draft, auto)",
		Args:  cobra.NoArgs,
		RunE:  printMode,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current reply mode",
			Args:  cobra.NoArgs,
			RunE:  printMode,
		},
		&cobra.Command{
			Use:   "set MODE",
			Short: "Store a new reply mode; unknown values become draft",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd, opts, config.Config.ValidateStore)
				if err != nil {
					return err
				}
				defer a.Close()
				mode, err := a.settings.SetReplyMode(commandContext(cmd), args[0])
				if err != nil {
					return fmt.Errorf("mode set: %w", err)
				}
				a.logger.Info("reply mode changed", "mode", mode)
				fmt.Fprintln(cmd.OutOrStdout(), mode)
				return nil
			},
		},
	)
	return cmd
}
