package doctor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chatrelay/chatworker/internal/connection"
	"github.com/chatrelay/chatworker/internal/engine"
	"github.com/chatrelay/chatworker/internal/events"
	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/metrics"
	"github.com/chatrelay/chatworker/internal/state"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStuckTimeout      = 2 * time.Minute
	defaultPongTimeout       = 45 * time.Second
	defaultProbeTimeout      = 5 * time.Second
)

// ErrUnhealthy is returned by RunOnce when at least one check failed.
var ErrUnhealthy = errors.New("worker unhealthy")

// BrowserProbe checks that the page still answers.
type BrowserProbe interface {
	Alive(ctx context.Context) error
}

// ConnectionProbe reports the dispatcher connection.
type ConnectionProbe interface {
	Status() connection.Status
}

// JournalProbe checks the task journal.
type JournalProbe interface {
	Ping(ctx context.Context) error
}

// TaskProbe reports the operator toggle and the in-flight task.
type TaskProbe interface {
	Active() bool
	Current() (engine.Task, bool)
}

// EventBus publishes health events.
type EventBus interface {
	Publish(event events.Event)
}

// Probes groups the checks. Nil probes are skipped.
type Probes struct {
	Browser    BrowserProbe
	Connection ConnectionProbe
	Journal    JournalProbe
	Tasks      TaskProbe
}

// Config controls heartbeat cadence and staleness thresholds.
type Config struct {
	HeartbeatInterval time.Duration
	StuckTimeout      time.Duration
	PongTimeout       time.Duration
	ProbeTimeout      time.Duration
	Logger            *log.Logger
}

// HealthReport is emitted on every heartbeat.
type HealthReport struct {
	BrowserChecked  bool      `json:"browser_checked"`
	BrowserError    string    `json:"browser_error,omitempty"`
	ConnectionState string    `json:"connection_state,omitempty"`
	ConnectionID    string    `json:"connection_id,omitempty"`
	LastPongAge     string    `json:"last_pong_age,omitempty"`
	PongOverdue     bool      `json:"pong_overdue"`
	JournalError    string    `json:"journal_error,omitempty"`
	Active          bool      `json:"active"`
	TaskID          string    `json:"task_id,omitempty"`
	TaskState       string    `json:"task_state,omitempty"`
	TaskStuck       bool      `json:"task_stuck"`
	Problems        []string  `json:"problems,omitempty"`
	DoctorHeartbeat time.Time `json:"doctor_heartbeat"`
}

// Healthy reports whether no check failed.
func (r HealthReport) Healthy() bool {
	return len(r.Problems) == 0
}

// Manager runs health checks on a periodic ticker.
type Manager struct {
	probes            Probes
	bus               EventBus
	logger            *log.Logger
	heartbeatInterval time.Duration
	stuckTimeout      time.Duration
	pongTimeout       time.Duration
	probeTimeout      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Doctor manager with sane defaults.
func NewManager(probes Probes, bus EventBus, cfg Config) (*Manager, error) {
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if probes == (Probes{}) {
		return nil, errors.New("at least one probe is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Manager{
		probes:            probes,
		bus:               bus,
		logger:            cfg.Logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		stuckTimeout:      cfg.StuckTimeout,
		pongTimeout:       cfg.PongTimeout,
		probeTimeout:      cfg.ProbeTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := m.RunOnce(ctx); err != nil {
				m.logger.Warn("health check failed", "problems", strings.Join(report.Problems, "; "))
			}
		}
	}
}

// RunOnce executes one health check cycle and publishes the report.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	now := m.now().UTC()
	report := HealthReport{DoctorHeartbeat: now}

	m.checkBrowser(ctx, &report)
	m.checkJournal(ctx, &report)
	m.checkTasks(now, &report)
	m.checkConnection(now, &report)

	severity := events.SeverityInfo
	if report.Healthy() {
		metrics.Healthy.Set(1)
	} else {
		metrics.Healthy.Set(0)
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severity,
	})

	if !report.Healthy() {
		return report, fmt.Errorf("%w: %s", ErrUnhealthy, strings.Join(report.Problems, "; "))
	}
	return report, nil
}

func (m *Manager) checkBrowser(ctx context.Context, report *HealthReport) {
	if m.probes.Browser == nil {
		return
	}
	report.BrowserChecked = true
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.probes.Browser.Alive(probeCtx); err != nil {
		report.BrowserError = err.Error()
		report.Problems = append(report.Problems, "browser not responding: "+err.Error())
	}
}

func (m *Manager) checkJournal(ctx context.Context, report *HealthReport) {
	if m.probes.Journal == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.probes.Journal.Ping(probeCtx); err != nil {
		report.JournalError = err.Error()
		report.Problems = append(report.Problems, "journal unavailable: "+err.Error())
	}
}

func (m *Manager) checkTasks(now time.Time, report *HealthReport) {
	if m.probes.Tasks == nil {
		// Without a task probe the connection is expected to be up.
		report.Active = true
		return
	}
	report.Active = m.probes.Tasks.Active()
	task, busy := m.probes.Tasks.Current()
	if !busy {
		return
	}
	report.TaskID = task.ID
	report.TaskState = task.State
	if !task.StartedAt.IsZero() && now.Sub(task.StartedAt.UTC()) > m.stuckTimeout {
		report.TaskStuck = true
		report.Problems = append(report.Problems, fmt.Sprintf("task %s stuck in %s", task.ID, task.State))
		m.bus.Publish(events.Event{
			Type:       events.EventTypeStateTransition,
			Timestamp:  now,
			EntityType: "task",
			EntityID:   task.ID,
			Payload: map[string]string{
				"from": task.State,
				"to":   "stuck",
			},
			Severity: events.SeverityWarn,
		})
	}
}

func (m *Manager) checkConnection(now time.Time, report *HealthReport) {
	if m.probes.Connection == nil {
		return
	}
	status := m.probes.Connection.Status()
	report.ConnectionState = status.State
	report.ConnectionID = status.ConnID
	if !status.LastPong.IsZero() {
		age := now.Sub(status.LastPong.UTC())
		report.LastPongAge = age.Round(time.Second).String()
		report.PongOverdue = status.State == state.ConnectionOpen && age > m.pongTimeout
	}

	if !report.Active {
		return
	}
	if status.State != state.ConnectionOpen {
		problem := "dispatcher connection " + status.State
		if status.LastError != "" {
			problem += ": " + status.LastError
		}
		report.Problems = append(report.Problems, problem)
		return
	}
	if report.PongOverdue {
		report.Problems = append(report.Problems, "no pong for "+report.LastPongAge)
	}
}
