package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/tui/theme"
)

// BadgeOpt configures optional rendering behavior for StatusBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var statusBadgeVariants = map[control.State]badgeVariant{
	control.StateIdle: {
		icon:  theme.IconIdle,
		label: "IDLE",
		color: theme.InfoColor,
	},
	control.StateConnected: {
		icon:  theme.IconDone,
		label: "CONNECTED",
		color: theme.OkColor,
	},
	control.StateBusy: {
		icon:  theme.IconWorking,
		label: "BUSY",
		color: theme.AccentColor,
	},
	control.StateError: {
		icon:  theme.IconFailed,
		label: "ERROR",
		color: theme.AlertColor,
	},
	control.StateStopped: {
		icon:  theme.IconStopped,
		label: "STOPPED",
		color: theme.MutedColor,
	},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// RenderStatusBadge renders `icon LABEL` colored for the worker state.
func RenderStatusBadge(state control.State, opts ...BadgeOpt) string {
	options := badgeOptions{
		showIcon: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	normalized := control.State(strings.ToLower(strings.TrimSpace(string(state))))
	variant, ok := statusBadgeVariants[normalized]
	if !ok {
		variant = badgeVariant{
			icon:  theme.IconAlert,
			label: strings.ToUpper(strings.TrimSpace(string(state))),
			color: theme.MutedColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}

	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}
