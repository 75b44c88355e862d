package tui

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chatrelay/chatworker/internal/control"
)

var appANSIPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

type fakePanel struct {
	mu       sync.Mutex
	snapshot control.Snapshot
	toggles  int
	err      error
}

func (f *fakePanel) Toggle(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	if f.err != nil {
		return f.snapshot.Active, f.err
	}
	f.snapshot.Active = !f.snapshot.Active
	if f.snapshot.Active {
		f.snapshot.Status, f.snapshot.State = "Connected", control.StateConnected
	} else {
		f.snapshot.Status, f.snapshot.State = "Stopped", control.StateStopped
	}
	return f.snapshot.Active, nil
}

func (f *fakePanel) Snapshot() control.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func runes(key string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}

func TestToggleKeyStartsAndStopsWorker(t *testing.T) {
	t.Parallel()

	panel := &fakePanel{snapshot: control.Snapshot{Status: "Stopped", State: control.StateStopped}}
	model := NewAppModel(context.Background(), panel, Header{Site: "qwen", WorkerID: "qwen-worker"})

	next, cmd := model.Update(runes("s"))
	model = mustAppModel(t, next)
	if cmd == nil {
		t.Fatal("expected toggle command")
	}
	if !strings.Contains(stripANSI(model.View()), "s ...") {
		t.Fatalf("expected pending toggle hint\n%s", model.View())
	}

	// A second press while the toggle is in flight is ignored.
	if _, again := model.Update(runes("s")); again != nil {
		t.Fatal("expected no command while toggling")
	}

	next, _ = model.Update(cmd())
	model = mustAppModel(t, next)
	if panel.toggles != 1 {
		t.Fatalf("toggles = %d, want 1", panel.toggles)
	}
	view := stripANSI(model.View())
	for _, want := range []string{"CHATWORKER · qwen · qwen-worker", "✓ CONNECTED Connected", "s stop"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q\n%s", want, view)
		}
	}
}

func TestToggleErrorIsRendered(t *testing.T) {
	t.Parallel()

	panel := &fakePanel{err: errors.New("worker is required")}
	model := NewAppModel(context.Background(), panel, Header{})

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeySpace})
	next, _ := model.Update(cmd())
	model = mustAppModel(t, next)
	if !strings.Contains(stripANSI(model.View()), "toggle: worker is required") {
		t.Fatalf("expected toggle error in view\n%s", model.View())
	}
}

func TestQuitConfirmsOnlyWhileActive(t *testing.T) {
	t.Parallel()

	stopped := NewAppModel(context.Background(), &fakePanel{}, Header{})
	next, cmd := stopped.Update(runes("q"))
	if !mustAppModel(t, next).Quitting() || cmd == nil {
		t.Fatal("stopped worker should quit immediately")
	}

	active := NewAppModel(context.Background(), &fakePanel{snapshot: control.Snapshot{Active: true}}, Header{})
	next, cmd = active.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	model := mustAppModel(t, next)
	if cmd != nil || !model.ConfirmingQuit() {
		t.Fatal("active worker should ask for confirmation")
	}
	if !strings.Contains(stripANSI(model.View()), "Quit anyway?") {
		t.Fatalf("expected confirmation overlay\n%s", model.View())
	}

	next, _ = model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	model = mustAppModel(t, next)
	if model.ConfirmingQuit() || model.Quitting() {
		t.Fatal("esc should cancel the confirmation")
	}

	next, _ = model.Update(runes("q"))
	next, cmd = mustAppModel(t, next).Update(tea.KeyMsg{Type: tea.KeyEnter})
	if !mustAppModel(t, next).Quitting() || cmd == nil {
		t.Fatal("enter should confirm quit")
	}
}

func TestRefreshPullsSnapshot(t *testing.T) {
	t.Parallel()

	panel := &fakePanel{}
	model := NewAppModel(context.Background(), panel, Header{})

	panel.mu.Lock()
	panel.snapshot = control.Snapshot{
		Status:    "Processing...",
		State:     control.StateBusy,
		Completed: 3,
		Failed:    1,
		Log:       []control.LogEntry{{Message: "Processing abc123...", Severity: control.SeverityInfo}},
	}
	panel.mu.Unlock()

	next, _ := model.Update(refreshMsg{})
	model = mustAppModel(t, next)
	next, _ = model.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	model = mustAppModel(t, next)

	view := stripANSI(model.View())
	for _, want := range []string{"● BUSY Processing...", "completed 3", "failed 1", "Processing abc123..."} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q\n%s", want, view)
		}
	}
}

func mustAppModel(t *testing.T, model tea.Model) *AppModel {
	t.Helper()

	typed, ok := model.(*AppModel)
	if !ok {
		t.Fatalf("update return type = %T, want *AppModel", model)
	}
	return typed
}

func stripANSI(value string) string {
	return appANSIPattern.ReplaceAllString(value, "")
}
