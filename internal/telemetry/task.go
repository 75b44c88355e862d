package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|key|token|password|secret|authorization)\s*[:=]\s*([^\s,;&]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// TaskRequest describes one dispatched task for tracing.
type TaskRequest struct {
	TaskID   string
	WorkerID string
	Site     string
	Prompt   string
}

// TaskSpan tracks one task.process span and its phase events.
type TaskSpan struct {
	span      trace.Span
	startedAt time.Time

	mu     sync.Mutex
	phases int
	ended  bool
}

type taskSpanContextKey struct{}

// StartTask starts a task.process span. The prompt is recorded only as a hash and a word count.
func StartTask(ctx context.Context, req TaskRequest) (context.Context, *TaskSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("task_id", normalizeOrUnknown(req.TaskID)),
		attribute.String("worker_id", normalizeOrUnknown(req.WorkerID)),
		attribute.String("site", normalizeOrUnknown(req.Site)),
		attribute.Int("prompt_words", len(strings.Fields(req.Prompt))),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}

	spanCtx, span := otel.Tracer("chatworker/telemetry/task").Start(
		ctx,
		"task.process",
		trace.WithAttributes(attrs...),
	)

	task := &TaskSpan{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, taskSpanContextKey{}, task), task
}

// TaskFromContext returns the task span tracker if one exists on the context.
func TaskFromContext(ctx context.Context) *TaskSpan {
	if ctx == nil {
		return nil
	}
	task, _ := ctx.Value(taskSpanContextKey{}).(*TaskSpan)
	return task
}

// RecordPhase adds a task.phase event (submit, poll, recover) to the span.
func (t *TaskSpan) RecordPhase(phase string, duration time.Duration, success bool) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.phases++

	durationMS := duration.Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	t.span.AddEvent(
		"task.phase",
		trace.WithAttributes(
			attribute.String("phase", normalizeOrUnknown(phase)),
			attribute.Int64("duration_ms", durationMS),
			attribute.Bool("success", success),
		),
	)
}

// RecordError adds a redacted task.error event and marks the span failed.
func (t *TaskSpan) RecordError(errorType string, errorMessage string) {
	if t == nil || t.span == nil {
		return
	}
	t.span.AddEvent(
		"task.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", redactSecrets(errorMessage)),
		),
	)
	t.span.SetStatus(codes.Error, normalizeOrUnknown(errorType))
}

// End finalizes the span with latency, result kind and response size.
func (t *TaskSpan) End(resultKind string, response string, err error) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	phases := t.phases
	t.mu.Unlock()

	durationMS := time.Since(t.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	t.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("phase_count", phases),
		attribute.String("result_kind", normalizeOrUnknown(resultKind)),
		attribute.Int("response_bytes", len(response)),
	)

	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		t.span.SetStatus(codes.Ok, "task completed")
	}
	t.span.End()
}

// Redact masks credentials in free text such as dial URLs and error messages.
func Redact(input string) string {
	return redactSecrets(input)
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
