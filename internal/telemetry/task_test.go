package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartTaskAndEndRecordsCoreAttributes(t *testing.T) {
	recorder := installTaskSpanRecorder(t)

	ctx, task := StartTask(context.Background(), TaskRequest{
		TaskID:   "abc123",
		WorkerID: "worker-1",
		Site:     "qwen",
		Prompt:   "say hi with token=super-secret",
	})
	require.NotNil(t, task)
	require.Same(t, task, TaskFromContext(ctx))

	task.RecordPhase("submit", 25*time.Millisecond, true)
	task.RecordPhase("poll", 3*time.Second, true)
	task.End("text", "Hi there", nil)
	task.RecordPhase("late", time.Second, true)

	span := findSpanByName(t, recorder.Ended(), "task.process")
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Equal(t, "abc123", getStringAttrByKey(span.Attributes(), "task_id"))
	assert.Equal(t, "qwen", getStringAttrByKey(span.Attributes(), "site"))
	assert.Equal(t, "text", getStringAttrByKey(span.Attributes(), "result_kind"))
	assert.Equal(t, 4, getIntAttrByKey(span.Attributes(), "prompt_words"))
	assert.Equal(t, 8, getIntAttrByKey(span.Attributes(), "response_bytes"))
	assert.Equal(t, 2, getIntAttrByKey(span.Attributes(), "phase_count"))

	hashValue := getStringAttrByKey(span.Attributes(), "prompt_hash")
	assert.Len(t, hashValue, 64)
	assert.NotContains(t, hashValue, "super-secret")

	phase := findEventByName(t, span.Events(), "task.phase")
	assert.Equal(t, "submit", getStringAttrByKey(phase.Attributes, "phase"))
	assert.Equal(t, 25, getIntAttrByKey(phase.Attributes, "duration_ms"))
}

func TestTaskRecordErrorRedactsSecrets(t *testing.T) {
	recorder := installTaskSpanRecorder(t)

	_, task := StartTask(context.Background(), TaskRequest{TaskID: "abc123", Prompt: "x"})
	task.RecordError("dial", "wss://dispatch.example/ws?key=my-key&workerId=w1")
	task.End("none", "", errors.New("authorization=bearer-private"))

	span := findSpanByName(t, recorder.Ended(), "task.process")
	assert.Equal(t, codes.Error, span.Status().Code)

	event := findEventByName(t, span.Events(), "task.error")
	assert.Equal(t, "dial", getStringAttrByKey(event.Attributes, "error_type"))
	message := getStringAttrByKey(event.Attributes, "error_message")
	assert.NotContains(t, message, "my-key")
	assert.Contains(t, message, "workerId=w1")
	assert.Contains(t, message, "<redacted>")
}

func TestRedactTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", 2*maxErrorMessageBytes)
	got := Redact(long)
	assert.Len(t, got, maxErrorMessageBytes)
	assert.True(t, strings.HasSuffix(got, "...[truncated]"))
	assert.Empty(t, Redact("   "))
}

func TestNilTaskSpanIsSafe(t *testing.T) {
	var task *TaskSpan
	task.RecordPhase("submit", time.Second, true)
	task.RecordError("x", "y")
	task.End("none", "", nil)
	assert.Nil(t, TaskFromContext(context.Background()))
}

func installTaskSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return recorder
}

func findSpanByName(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("span %q not found in %d spans", name, len(spans))
	return nil
}

func findEventByName(t *testing.T, events []sdktrace.Event, name string) sdktrace.Event {
	t.Helper()
	for _, event := range events {
		if event.Name == name {
			return event
		}
	}
	t.Fatalf("event %q not found in %d events", name, len(events))
	return sdktrace.Event{}
}

func getStringAttrByKey(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttrByKey(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}
