package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatworker/internal/config"
	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/state"
	"github.com/chatrelay/chatworker/internal/tui/theme"
)

const (
	defaultHistoryLimit = 20
	historyDetailWidth  = 48
)

func newHistoryCommand(cfg *config.Config) *cobra.Command {
	limit := defaultHistoryLimit
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently journaled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			return printHistory(cmd.Context(), cfg.JournalPath, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "number of tasks to show")
	return cmd
}

func printHistory(ctx context.Context, path string, limit int, out io.Writer) error {
	store, err := journal.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		_, err = fmt.Fprintln(out, theme.MutedStyle.Render("No tasks recorded yet."))
		return err
	}
	_, err = fmt.Fprintln(out, renderHistory(tasks))
	return err
}

func renderHistory(tasks []journal.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, []string{
			control.ShortID(task.ID),
			task.State,
			task.Site,
			task.StartedAt.Local().Format(time.DateTime),
			taskDuration(task),
			taskDetail(task),
		})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.MutedStyle).
		Headers("TASK", "STATE", "SITE", "STARTED", "TOOK", "DETAIL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return theme.TitleStyle.Padding(0, 1)
			}
			if col == 1 {
				return style.Inherit(stateStyle(tasks[row].State))
			}
			return style
		}).
		String()
}

func stateStyle(value string) lipgloss.Style {
	switch value {
	case state.TaskCompleted:
		return theme.SuccessStyle
	case state.TaskFailed:
		return theme.ErrorStyle
	case journal.StateAbandoned:
		return theme.WarningStyle
	default:
		return theme.InfoStyle
	}
}

func taskDuration(task journal.Task) string {
	if task.FinishedAt.IsZero() || task.StartedAt.IsZero() {
		return "-"
	}
	return task.FinishedAt.Sub(task.StartedAt).Round(100 * time.Millisecond).String()
}

func taskDetail(task journal.Task) string {
	detail := task.Error
	if detail == "" {
		detail = task.Response
	}
	detail = strings.Join(strings.Fields(detail), " ")
	if len([]rune(detail)) > historyDetailWidth {
		detail = string([]rune(detail)[:historyDetailWidth-1]) + "…"
	}
	return detail
}
