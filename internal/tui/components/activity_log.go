package components

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/tui/theme"
)

const (
	activityLogMinWidth      = 24
	activityLogDefaultHeight = 10
	activityLogTimeFormat    = "15:04:05"
)

// ActivityLogConfig contains render-time settings for the activity log.
type ActivityLogConfig struct {
	Width   int
	Height  int
	Entries []control.LogEntry
}

// BuildActivityLogViewport constructs a viewport over the entries, newest first.
func BuildActivityLogViewport(config ActivityLogConfig) viewport.Model {
	width := config.Width
	if width < activityLogMinWidth {
		width = activityLogMinWidth
	}
	height := config.Height
	if height <= 0 {
		height = activityLogDefaultHeight
	}

	lines := make([]string, 0, len(config.Entries))
	for _, entry := range config.Entries {
		lines = append(lines, renderActivityRow(entry))
	}
	if len(lines) == 0 {
		lines = []string{theme.MutedStyle.Faint(true).Render("No activity yet")}
	}

	model := viewport.New(width, height)
	model.SetContent(strings.Join(lines, "\n"))
	return model
}

// RenderActivityLog renders the activity viewport.
func RenderActivityLog(config ActivityLogConfig) string {
	return BuildActivityLogViewport(config).View()
}

func renderActivityRow(entry control.LogEntry) string {
	timestamp := "--:--:--"
	if !entry.At.IsZero() {
		timestamp = entry.At.In(time.Local).Format(activityLogTimeFormat)
	}
	message := strings.TrimSpace(entry.Message)
	if message == "" {
		message = "(no message)"
	}

	style := lipgloss.NewStyle().Foreground(theme.TextColor)
	switch entry.Severity {
	case control.SeveritySuccess:
		style = theme.SuccessStyle
	case control.SeverityError:
		style = theme.ErrorStyle
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		lipgloss.NewStyle().Foreground(theme.SubtleColor).Render(timestamp),
		" ",
		style.Render(message),
	)
}
