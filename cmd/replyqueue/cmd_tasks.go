package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
	"github.com/agentworkforce/replyqueue/internal/config"
)

// newTasksCmd creates the "replyqueue tasks" command group.
func newTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and recover comment tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(opts),
		newTasksStatsCmd(opts),
		newTasksShowCmd(opts),
		newTasksRequeueCmd(opts),
		newTasksRequeueStaleCmd(opts),
	)
	return cmd
}

func newTasksListCmd(opts *rootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := commentqueue.TaskFilter{Limit: limit}
			if status != "" {
				parsed, ok := parseStatusFlag(status)
				if !ok {
					return fmt.Errorf("tasks list: unknown status %q (todo|processing|done|error)", status)
				}
				filter.Status = parsed
			}
			a, err := openApp(cmd, opts, config.Config.ValidateStore)
			if err != nil {
				return err
			}
			defer a.Close()
			tasks, err := a.store.ListTasks(commandContext(cmd), filter)
			if err != nil {
				return fmt.Errorf("tasks list: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatTasksTable(tasks, isStyled(cmd.OutOrStdout())))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (todo|processing|done|error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks to return")
	return cmd
}

func newTasksStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, opts, config.Config.ValidateStore)
			if err != nil {
				return err
			}
			defer a.Close()
			counts, err := a.store.CountByStatus(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("tasks stats: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStats(counts, isStyled(cmd.OutOrStdout())))
			return nil
		},
	}
}

func newTasksShowCmd(opts *rootOptions) *cobra.Command {
	var byComment bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts, config.Config.ValidateStore)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)
			var task commentqueue.Task
			if byComment {
				task, err = a.store.GetTaskByCommentID(ctx, strings.TrimSpace(args[0]))
			} else {
				id, parseErr := parseTaskID(args[0])
				if parseErr != nil {
					return parseErr
				}
				task, err = a.store.GetTask(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("tasks show %s: %w", args[0], err)
			}
			out, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&byComment, "comment", false, "treat the argument as an Instagram comment id")
	return cmd
}

func newTasksRequeueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue ID",
		Short: "Move an error task back to todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts, config.Config.ValidateStore)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Requeue(commandContext(cmd), id); err != nil {
				return fmt.Errorf("tasks requeue %d: %w", id, err)
			}
			a.logger.Info("task requeued", "task_id", id)
			fmt.Fprintf(cmd.OutOrStdout(), "task %d requeued\n", id)
			return nil
		},
	}
}

func newTasksRequeueStaleCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Move processing tasks untouched for --older-than back to todo",
		Long:  "Recovers tasks left in processing by a worker that died mid-task.\nOnly run this when no live worker could still be holding them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("tasks requeue-stale: --older-than must be positive")
			}
			a, err := openApp(cmd, opts, config.Config.ValidateStore)
			if err != nil {
				return err
			}
			defer a.Close()
			moved, err := a.store.RequeueStale(commandContext(cmd), olderThan)
			if err != nil {
				return fmt.Errorf("tasks requeue-stale: %w", err)
			}
			a.logger.Info("stale tasks requeued", "count", moved, "older_than", olderThan.String())
			fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) requeued\n", moved)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum time since the task was last updated, e.g. 15m")
	return cmd
}

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func parseStatusFlag(raw string) (commentqueue.Status, bool) {
	status := commentqueue.Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case commentqueue.StatusTodo, commentqueue.StatusProcessing, commentqueue.StatusDone, commentqueue.StatusError:
		return status, true
	default:
		return "", false
	}
}
