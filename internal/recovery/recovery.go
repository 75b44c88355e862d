// Package recovery repairs journal state left behind by a worker that exited
// mid-task and resets the chat page before new work is accepted.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatrelay/chatworker/internal/events"
	"github.com/chatrelay/chatworker/internal/journal"
)

const (
	// DefaultResumeTimeout is the upper bound for startup recovery.
	DefaultResumeTimeout = 30 * time.Second

	abandonReason = "worker restarted before the task finished"
)

// TaskStore lists and repairs journaled tasks.
type TaskStore interface {
	Orphans(ctx context.Context) ([]journal.Task, error)
	MarkAbandoned(ctx context.Context, id, reason string) error
}

// ConversationResetter returns the page to a fresh conversation. site.Adapter satisfies it.
type ConversationResetter interface {
	StartNewChat(ctx context.Context) (bool, error)
}

// EventBus publishes recovery audit events.
type EventBus interface {
	Publish(event events.Event)
}

// Config configures startup recovery behavior.
type Config struct {
	ResumeTimeout time.Duration
	EventBus      EventBus
	// Resetter is optional. When set and orphans were found, a new
	// conversation is started so the next task does not land mid-answer.
	Resetter ConversationResetter
}

// Result captures startup recovery outputs.
type Result struct {
	AbandonedTaskIDs  []string
	ConversationReset bool
	ResetError        string
	RecoveryDuration  time.Duration
}

// Manager reconciles the journal with a freshly started worker.
type Manager struct {
	store         TaskStore
	resetter      ConversationResetter
	bus           EventBus
	resumeTimeout time.Duration
	now           func() time.Time
}

// NewManager constructs a startup recovery manager.
func NewManager(store TaskStore, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = DefaultResumeTimeout
	}
	return &Manager{
		store:         store,
		resetter:      cfg.Resetter,
		bus:           cfg.EventBus,
		resumeTimeout: cfg.ResumeTimeout,
		now:           time.Now,
	}, nil
}

// Recover marks every non-terminal journaled task abandoned and, when any were
// found, starts a new conversation.
func (m *Manager) Recover(ctx context.Context) (Result, error) {
	if m == nil {
		return Result{}, errors.New("recovery manager is nil")
	}
	started := m.now()
	auditTimestamp := started.UTC()

	ctx, cancel := context.WithTimeout(ctx, m.resumeTimeout)
	defer cancel()

	orphans, err := m.store.Orphans(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load orphaned tasks: %w", err)
	}

	result := Result{AbandonedTaskIDs: make([]string, 0, len(orphans))}
	for _, task := range orphans {
		if err := m.store.MarkAbandoned(ctx, task.ID, abandonReason); err != nil {
			return Result{}, fmt.Errorf("mark task %s abandoned: %w", task.ID, err)
		}
		result.AbandonedTaskIDs = append(result.AbandonedTaskIDs, task.ID)
		m.publishAuditEvent(events.Event{
			Type:       events.EventTypeStateTransition,
			Timestamp:  auditTimestamp,
			EntityType: "task",
			EntityID:   task.ID,
			Payload: map[string]string{
				"from": strings.ToLower(strings.TrimSpace(task.State)),
				"to":   journal.StateAbandoned,
			},
			Severity: events.SeverityWarn,
		})
	}

	if len(result.AbandonedTaskIDs) > 0 && m.resetter != nil {
		ready, resetErr := m.resetter.StartNewChat(ctx)
		switch {
		case resetErr != nil:
			result.ResetError = resetErr.Error()
		case !ready:
			result.ResetError = "input not found after reset"
		default:
			result.ConversationReset = true
		}
	}

	result.RecoveryDuration = m.now().Sub(started)
	if err := validateRecoveryDuration(result.RecoveryDuration, m.resumeTimeout); err != nil {
		return Result{}, err
	}
	m.publishRecoverySummary(result, auditTimestamp)

	return result, nil
}

func validateRecoveryDuration(duration, timeout time.Duration) error {
	if duration <= timeout {
		return nil
	}
	return fmt.Errorf(
		"startup recovery exceeded timeout: duration=%s timeout=%s",
		duration,
		timeout,
	)
}

func (m *Manager) publishRecoverySummary(result Result, auditTimestamp time.Time) {
	if m == nil || m.bus == nil {
		return
	}
	severity := events.SeverityInfo
	if result.ResetError != "" {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  auditTimestamp,
		EntityType: "recovery",
		EntityID:   "startup",
		Payload: map[string]any{
			"abandoned_task_ids":     append([]string(nil), result.AbandonedTaskIDs...),
			"conversation_reset":     result.ConversationReset,
			"reset_error":            result.ResetError,
			"recovery_duration_msec": result.RecoveryDuration.Milliseconds(),
		},
		Severity: severity,
	})
}

func (m *Manager) publishAuditEvent(event events.Event) {
	if m == nil || m.bus == nil {
		return
	}
	m.bus.Publish(event)
}
