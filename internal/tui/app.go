// Package tui renders the worker control panel: status, counters, the
// start/stop toggle and the recent activity log.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/events"
	"github.com/chatrelay/chatworker/internal/tui/components"
	"github.com/chatrelay/chatworker/internal/tui/theme"
)

const (
	// RefreshInterval is the fallback redraw cadence when no event arrives.
	RefreshInterval = 500 * time.Millisecond
	// CompactWidth is the width below which the log shrinks.
	CompactWidth = 80
)

// Panel is the control surface the model renders and toggles.
type Panel interface {
	Toggle(ctx context.Context) (bool, error)
	Snapshot() control.Snapshot
}

// Header identifies the worker in the title bar.
type Header struct {
	Site     string
	WorkerID string
}

type refreshMsg struct{}

type tickMsg time.Time

type toggledMsg struct {
	active bool
	err    error
}

// AppModel is the root Bubble Tea model.
type AppModel struct {
	ctx         context.Context
	panel       Panel
	header      Header
	snapshot    control.Snapshot
	width       int
	height      int
	confirmQuit bool
	quitting    bool
	toggling    bool
	lastErr     error
}

// NewAppModel builds the model over panel.
func NewAppModel(ctx context.Context, panel Panel, header Header) *AppModel {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AppModel{
		ctx:      ctx,
		panel:    panel,
		header:   header,
		snapshot: panel.Snapshot(),
	}
}

// Init satisfies tea.Model.
func (m *AppModel) Init() tea.Cmd {
	return tick()
}

// Update handles keys, toggle results and refresh signals.
func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case tickMsg:
		m.snapshot = m.panel.Snapshot()
		return m, tick()
	case refreshMsg:
		m.snapshot = m.panel.Snapshot()
		return m, nil
	case toggledMsg:
		m.toggling = false
		m.lastErr = typed.err
		m.snapshot = m.panel.Snapshot()
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	default:
		return m, nil
	}
}

func (m *AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirmQuit {
		switch msg.String() {
		case "enter", "y":
			m.quitting = true
			return m, tea.Quit
		case "esc", "n", "q":
			m.confirmQuit = false
		}
		return m, nil
	}

	switch msg.String() {
	case "s", " ":
		if m.toggling {
			return m, nil
		}
		m.toggling = true
		return m, m.toggle()
	case "q", "ctrl+c":
		if !m.snapshot.Active {
			m.quitting = true
			return m, tea.Quit
		}
		m.confirmQuit = true
		return m, nil
	default:
		return m, nil
	}
}

func (m *AppModel) toggle() tea.Cmd {
	ctx := m.ctx
	panel := m.panel
	return func() tea.Msg {
		active, err := panel.Toggle(ctx)
		return toggledMsg{active: active, err: err}
	}
}

// View satisfies tea.Model.
func (m *AppModel) View() string {
	if m.quitting {
		return ""
	}
	base := lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderTitle(),
		m.renderStatus(),
		m.renderLog(),
		m.renderHelp(),
	)
	if m.confirmQuit {
		prompt := "Worker is running. Quit anyway? " + theme.KeyStyle.Render("enter") + " quit · " + theme.KeyStyle.Render("esc") + " cancel"
		return lipgloss.JoinVertical(lipgloss.Left, base, theme.OverlayBorder.Render(prompt))
	}
	return base
}

func (m *AppModel) renderTitle() string {
	title := theme.TitleStyle.Render("CHATWORKER")
	if m.header.Site != "" {
		title += theme.MutedStyle.Render(" · ") + m.header.Site
	}
	if m.header.WorkerID != "" {
		title += theme.MutedStyle.Render(" · ") + theme.InfoStyle.Render(m.header.WorkerID)
	}
	return title
}

func (m *AppModel) renderStatus() string {
	status := components.RenderStatusBadge(m.snapshot.State, components.WithBadgeBold(true)) + " " + m.snapshot.Status
	counters := fmt.Sprintf(
		"%s %d  %s %d",
		theme.SuccessStyle.Render("completed"), m.snapshot.Completed,
		theme.ErrorStyle.Render("failed"), m.snapshot.Failed,
	)
	line := status + "   " + counters
	if m.lastErr != nil {
		line += "\n" + theme.ErrorStyle.Render("toggle: "+m.lastErr.Error())
	}
	return line
}

func (m *AppModel) renderLog() string {
	width := m.width - 2
	height := control.MaxLogEntries
	if m.height > 0 {
		height = m.height - 8
	}
	if m.width > 0 && m.width < CompactWidth && height > 5 {
		height = 5
	}
	if height < 2 {
		height = 2
	}
	return theme.PanelBorder.Render(components.RenderActivityLog(components.ActivityLogConfig{
		Width:   width,
		Height:  height,
		Entries: m.snapshot.Log,
	}))
}

func (m *AppModel) renderHelp() string {
	action := "start"
	if m.snapshot.Active {
		action = "stop"
	}
	if m.toggling {
		action = "..."
	}
	return theme.KeyStyle.Render("s") + " " + action + theme.MutedStyle.Render(" · ") + theme.KeyStyle.Render("q") + " quit"
}

// Quitting reports whether the operator quit.
func (m AppModel) Quitting() bool {
	return m.quitting
}

// ConfirmingQuit reports whether the quit confirmation is showing.
func (m AppModel) ConfirmingQuit() bool {
	return m.confirmQuit
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run starts the program and blocks until the operator quits or ctx ends.
// When bus is non-nil every published event triggers a redraw.
func Run(ctx context.Context, panel Panel, header Header, bus events.Bus) error {
	model := NewAppModel(ctx, panel, header)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if bus != nil {
		bus.SubscribeAll(func(events.Event) {
			program.Send(refreshMsg{})
		})
	}
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
