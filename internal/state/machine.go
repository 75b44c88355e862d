package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatworker/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityTask is the task lifecycle state machine.
	EntityTask EntityType = "task"
	// EntityConnection is the dispatcher connection state machine.
	EntityConnection EntityType = "connection"
)

const (
	TaskReceived   = "received"
	TaskSubmitting = "submitting"
	TaskPolling    = "polling"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

const (
	ConnectionConnecting = "connecting"
	ConnectionOpen       = "open"
	ConnectionClosed     = "closed"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntityTask: {
		TaskReceived: {
			TaskSubmitting: {},
		},
		TaskSubmitting: {
			TaskPolling: {},
			TaskFailed:  {},
		},
		TaskPolling: {
			TaskCompleted: {},
			TaskFailed:    {},
		},
	},
	EntityConnection: {
		ConnectionConnecting: {
			ConnectionOpen:   {},
			ConnectionClosed: {},
		},
		ConnectionOpen: {
			ConnectionClosed: {},
		},
	},
}

// Terminal reports whether state has no outgoing transitions for entityType.
func Terminal(entityType EntityType, state string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	_, ok = entityTransitions[state]
	return !ok
}

// Persister records transition outcomes, typically into the task journal.
type Persister interface {
	SetState(id, key, value string) error
	AppendEvent(id, event string) error
}

// Discard is a Persister that drops everything.
var Discard Persister = discard{}

type discard struct{}

func (discard) SetState(string, string, string) error { return nil }
func (discard) AppendEvent(string, string) error      { return nil }

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// PersistError is returned when a legal transition could not be written to
// the persister. The transition itself was valid.
type PersistError struct {
	EntityID string
	Op       string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s for %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// maxHistory bounds the in-memory transition history of a long-running worker.
const maxHistory = 256

// Machine validates and persists deterministic state transitions.
type Machine struct {
	persister Persister
	actor     string
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	history []TransitionRecord
}

// NewMachine builds a state machine that validates, traces and persists transitions.
func NewMachine(persister Persister, actor string, options ...Option) (*Machine, error) {
	if persister == nil {
		return nil, errors.New("persister is required")
	}

	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "worker"
	}

	machine := &Machine{
		persister: persister,
		actor:     normalizedActor,
		tracer:    otel.Tracer("chatworker/state"),
		now:       time.Now,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("chatworker/state")
	}

	return machine, nil
}

// Transition validates and persists one state transition.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !isAllowed(entityType, fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(entityType),
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	timestamp := m.now().UTC()
	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  timestamp,
	}

	if err := m.persister.SetState(entityID, stateDimension(entityType), toState); err != nil {
		wrapped := &PersistError{EntityID: entityID, Op: "state transition", Err: err}
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}

	event := fmt.Sprintf(
		"state_transition entity=%s from=%s to=%s actor=%s timestamp=%s reason=%q",
		entityType,
		fromState,
		toState,
		record.Actor,
		timestamp.Format(time.RFC3339),
		record.Reason,
	)
	if err := m.persister.AppendEvent(entityID, event); err != nil {
		wrapped := &PersistError{EntityID: entityID, Op: "transition event", Err: err}
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	if overflow := len(m.history) - maxHistory; overflow > 0 {
		m.history = append(m.history[:0:0], m.history[overflow:]...)
	}
	m.mu.Unlock()
	span.SetStatus(codes.Ok, "state transition persisted")
	return nil
}

// History returns the most recent transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

func stateDimension(entityType EntityType) string {
	switch entityType {
	case EntityTask:
		return "task_state"
	case EntityConnection:
		return "connection_state"
	default:
		return "state"
	}
}
