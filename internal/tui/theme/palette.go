// Package theme holds the terminal palette and shared styles of the control panel.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	Accent  = "#FF9966"
	Info    = "#9999CC"
	Alert   = "#FF3333"
	Caution = "#FFCC00"
	Ok      = "#33FF33"
	Muted   = "#52526A"
	Text    = "#F5F6FA"
	Subtle  = "#CCCCCC"
	Focus   = "#9966FF"
)

const (
	IconDone    = "✓"
	IconWorking = "●"
	IconIdle    = "○"
	IconStopped = "■"
	IconFailed  = "✗"
	IconAlert   = "⚠"
)

var (
	AccentColor  = paletteColor(Accent, "209", "11")
	InfoColor    = paletteColor(Info, "146", "12")
	AlertColor   = paletteColor(Alert, "203", "9")
	CautionColor = paletteColor(Caution, "220", "11")
	OkColor      = paletteColor(Ok, "46", "10")
	MutedColor   = paletteColor(Muted, "60", "8")
	TextColor    = paletteColor(Text, "255", "15")
	SubtleColor  = paletteColor(Subtle, "252", "7")
	FocusColor   = paletteColor(Focus, "99", "5")
)

var (
	TitleStyle   = lipgloss.NewStyle().Foreground(AccentColor).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(OkColor).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(AlertColor).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(CautionColor).Bold(true)
	InfoStyle    = lipgloss.NewStyle().Foreground(InfoColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(MutedColor)
	KeyStyle     = lipgloss.NewStyle().Foreground(FocusColor).Bold(true)
)

var (
	// PanelBorder frames the activity log.
	PanelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor)

	// OverlayBorder frames the quit confirmation.
	OverlayBorder = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(AccentColor).
			Padding(0, 1)
)

var colorProfileFn = lipgloss.ColorProfile

func paletteColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
