// Package control is the operator-facing surface of the worker: the start/stop
// toggle, status line, counters and the recent-activity log.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chatrelay/chatworker/internal/events"
)

// MaxLogEntries bounds the recent-activity log.
const MaxLogEntries = 30

// State classifies the status line.
type State string

const (
	StateIdle      State = "idle"
	StateConnected State = "connected"
	StateBusy      State = "busy"
	StateError     State = "error"
	StateStopped   State = "stopped"
)

// Severity classifies activity log entries.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Observer receives status, activity and completion notifications from the
// connection manager and the task engine.
type Observer interface {
	OnStatusChange(status string, state State)
	OnLog(message string, severity Severity)
	OnTaskCompleted()
}

// FailureObserver is implemented by observers that also count failed tasks.
type FailureObserver interface {
	OnTaskFailed(taskID, message string)
}

// Discard is an Observer that ignores everything.
var Discard Observer = discard{}

type discard struct{}

func (discard) OnStatusChange(string, State) {}
func (discard) OnLog(string, Severity)       {}
func (discard) OnTaskCompleted()             {}

// Worker is the runtime the panel toggles.
type Worker interface {
	Start(ctx context.Context)
	Stop()
}

// LogEntry is one line of the activity log.
type LogEntry struct {
	At       time.Time
	Message  string
	Severity Severity
}

// Snapshot is a consistent copy of the panel state.
type Snapshot struct {
	Status    string
	State     State
	Active    bool
	Completed int
	Failed    int
	Log       []LogEntry
}

// Option configures a Panel.
type Option func(*Panel)

// WithBus publishes every notification to bus.
func WithBus(bus events.Bus) Option {
	return func(p *Panel) {
		p.bus = bus
	}
}

// WithLogger mirrors activity entries into logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Panel) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Panel) {
		if now != nil {
			p.now = now
		}
	}
}

// WithCompleted seeds the completed counter, typically from the task journal.
func WithCompleted(count int) Option {
	return func(p *Panel) {
		if count > 0 {
			p.completed = count
		}
	}
}

// Panel implements Observer and holds the state shown to the operator.
type Panel struct {
	mu        sync.Mutex
	status    string
	state     State
	active    bool
	completed int
	failed    int
	entries   []LogEntry
	worker    Worker

	bus    events.Bus
	logger *log.Logger
	now    func() time.Time
}

// NewPanel returns an idle, stopped panel.
func NewPanel(options ...Option) *Panel {
	p := &Panel{
		status: "Stopped",
		state:  StateStopped,
		now:    time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(p)
	}
	return p
}

// Bind attaches the worker runtime driven by Toggle.
func (p *Panel) Bind(worker Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.worker = worker
}

// Toggle starts a stopped worker or stops a running one and reports whether it is now active.
func (p *Panel) Toggle(ctx context.Context) (bool, error) {
	p.mu.Lock()
	worker := p.worker
	active := p.active
	p.mu.Unlock()
	if worker == nil {
		return false, errors.New("worker is required")
	}

	if active {
		p.setActive(false)
		worker.Stop()
		p.OnStatusChange("Stopped", StateStopped)
		p.OnLog("Stopped", SeverityInfo)
		return false, nil
	}
	p.setActive(true)
	p.OnLog("Starting...", SeverityInfo)
	worker.Start(ctx)
	return true, nil
}

// Active reports whether the worker was last started.
func (p *Panel) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Panel) setActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

// OnStatusChange updates the status line.
func (p *Panel) OnStatusChange(status string, state State) {
	p.mu.Lock()
	p.status = status
	p.state = state
	p.mu.Unlock()

	p.publish(events.Event{
		Type:       events.EventTypeStatusChange,
		EntityType: "worker",
		Payload:    map[string]string{"status": status, "state": string(state)},
		Severity:   severityForState(state),
	})
}

// OnLog prepends an entry to the activity log, dropping the oldest past MaxLogEntries.
func (p *Panel) OnLog(message string, severity Severity) {
	entry := LogEntry{At: p.now(), Message: message, Severity: severity}

	p.mu.Lock()
	p.entries = append([]LogEntry{entry}, p.entries...)
	if len(p.entries) > MaxLogEntries {
		p.entries = p.entries[:MaxLogEntries]
	}
	p.mu.Unlock()

	if p.logger != nil {
		switch severity {
		case SeverityError:
			p.logger.Error(message)
		default:
			p.logger.Info(message, "severity", string(severity))
		}
	}
	p.publish(events.Event{
		Type:       events.EventTypeLog,
		EntityType: "worker",
		Payload:    entry,
		Severity:   eventSeverity(severity),
	})
}

// OnTaskCompleted increments the completed counter.
func (p *Panel) OnTaskCompleted() {
	p.mu.Lock()
	p.completed++
	count := p.completed
	p.mu.Unlock()

	p.publish(events.Event{
		Type:       events.EventTypeTaskCompleted,
		EntityType: "task",
		Payload:    map[string]int{"completed": count},
		Severity:   events.SeverityInfo,
	})
}

// OnTaskFailed increments the failed counter.
func (p *Panel) OnTaskFailed(taskID, message string) {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()

	p.publish(events.Event{
		Type:       events.EventTypeTaskFailed,
		EntityType: "task",
		EntityID:   taskID,
		Payload:    map[string]string{"error": message},
		Severity:   events.SeverityError,
	})
}

// Snapshot returns a copy of the current panel state.
func (p *Panel) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Status:    p.status,
		State:     p.state,
		Active:    p.active,
		Completed: p.completed,
		Failed:    p.failed,
		Log:       append([]LogEntry(nil), p.entries...),
	}
}

func (p *Panel) publish(event events.Event) {
	if p.bus == nil {
		return
	}
	event.Timestamp = p.now()
	p.bus.Publish(event)
}

func severityForState(state State) string {
	switch state {
	case StateError:
		return events.SeverityError
	case StateStopped:
		return events.SeverityWarn
	default:
		return events.SeverityInfo
	}
}

func eventSeverity(severity Severity) string {
	if severity == SeverityError {
		return events.SeverityError
	}
	return events.SeverityInfo
}

// ShortID truncates a task id for display.
func ShortID(id string) string {
	const maxLen = 12
	if len(id) <= maxLen {
		return id
	}
	return id[:maxLen]
}

var (
	_ Observer        = (*Panel)(nil)
	_ FailureObserver = (*Panel)(nil)
)
