package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires lifecycle transitions to follow the transition tables.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSingleTaskInFlight requires at most one non-terminal task per session.
	InvariantSingleTaskInFlight = "single_task_in_flight"
	// InvariantResultExactlyOneField requires a result frame to carry either a response or an error.
	InvariantResultExactlyOneField = "result_exactly_one_field"
	// InvariantConnectionNotReused requires a closed connection never to be used again.
	InvariantConnectionNotReused = "connection_not_reused"
	// InvariantRecoveryAfterFailureOnly requires conversation recovery to follow a failed task only.
	InvariantRecoveryAfterFailureOnly = "recovery_after_failure_only"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("chatworker/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSingleTaskInFlight validates the single_task_in_flight invariant.
func CheckSingleTaskInFlight(ctx context.Context, whereDetected, currentTaskID, droppedTaskID string) bool {
	if strings.TrimSpace(currentTaskID) == "" {
		return true
	}
	InvariantViolation(ctx, InvariantSingleTaskInFlight, SeverityWarn, ViolationDetails{
		WhatInvariant: "at most one task is in flight per session",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("task %s arrived while %s was in flight", droppedTaskID, currentTaskID),
		Additional: map[string]string{
			"current_task_id": currentTaskID,
			"dropped_task_id": droppedTaskID,
		},
	})
	return false
}

// CheckResultExactlyOneField validates the result_exactly_one_field invariant.
func CheckResultExactlyOneField(ctx context.Context, whereDetected, taskID string, hasResponse, hasError bool) bool {
	if hasResponse != hasError {
		return true
	}
	InvariantViolation(ctx, InvariantResultExactlyOneField, SeverityError, ViolationDetails{
		WhatInvariant: "result carries exactly one of response and error",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("has_response=%t has_error=%t", hasResponse, hasError),
		Additional: map[string]string{
			"task_id": taskID,
		},
	})
	return false
}

// CheckConnectionNotReused validates the connection_not_reused invariant.
func CheckConnectionNotReused(ctx context.Context, whereDetected, connectionID string, closed bool) bool {
	if !closed {
		return true
	}
	InvariantViolation(ctx, InvariantConnectionNotReused, SeverityError, ViolationDetails{
		WhatInvariant: "closed connections are never reused",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("connection %s used after close", connectionID),
		Additional: map[string]string{
			"connection_id": connectionID,
		},
	})
	return false
}

// CheckRecoveryAfterFailureOnly validates the recovery_after_failure_only invariant.
func CheckRecoveryAfterFailureOnly(ctx context.Context, whereDetected, taskID, taskState string, failed bool) bool {
	if failed {
		return true
	}
	InvariantViolation(ctx, InvariantRecoveryAfterFailureOnly, SeverityError, ViolationDetails{
		WhatInvariant: "new conversation is started only after a failed task",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("recovery requested for task in state %s", taskState),
		Additional: map[string]string{
			"task_id":    taskID,
			"task_state": taskState,
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
