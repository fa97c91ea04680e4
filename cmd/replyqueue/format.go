package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
)

const maxTextColumn = 48

var (
	headerStyle = lipgloss.NewStyle().Bold(true)

	statusStyles = map[commentqueue.Status]lipgloss.Style{
		commentqueue.StatusTodo:       lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		commentqueue.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		commentqueue.StatusDone:       lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		commentqueue.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}

	statusOrder = []commentqueue.Status{
		commentqueue.StatusTodo,
		commentqueue.StatusProcessing,
		commentqueue.StatusDone,
		commentqueue.StatusError,
	}
)

// isStyled reports whether w is a terminal that should get colour.
func isStyled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

func formatTasksTable(tasks []commentqueue.Task, styled bool) string {
	if len(tasks) == 0 {
		return "No tasks found.\n"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-6s %-20s %-11s %-4s %-6s %-*s %s", "ID", "COMMENT", "STATUS", "TRY", "MODE", maxTextColumn, "TEXT", "UPDATED")
	if styled {
		header = headerStyle.Render(header)
	}
	b.WriteString(header)
	b.WriteByte('\n')
	for _, task := range tasks {
		status := fmt.Sprintf("%-11s", task.Status)
		if styled {
			if style, ok := statusStyles[task.Status]; ok {
				status = style.Render(status)
			}
		}
		text := task.CommentText
		if task.Status == commentqueue.StatusError {
			text = task.LastError
		}
		mode := string(task.ReplyModeSnapshot)
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(&b, "%-6d %-20s %s %-4d %-6s %-*s %s\n",
			task.ID, task.CommentID, status, task.Attempts, mode,
			maxTextColumn, truncateText(text, maxTextColumn), formatTime(task.UpdatedAt))
	}
	return b.String()
}

func formatStats(counts map[commentqueue.Status]int, styled bool) string {
	var b strings.Builder
	total := 0
	for _, status := range statusOrder {
		label := fmt.Sprintf("%-11s", status)
		if styled {
			label = statusStyles[status].Render(label)
		}
		fmt.Fprintf(&b, "%s %d\n", label, counts[status])
		total += counts[status]
	}
	fmt.Fprintf(&b, "%-11s %d\n", "total", total)
	return b.String()
}

func truncateText(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
