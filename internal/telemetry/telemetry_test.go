package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("CHATWORKER_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Config{Version: "v1.2.3-test", WorkerID: "qwen-worker", Site: "qwen"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
	assertResourceAttribute(t, attrs, "worker.id", "qwen-worker")
	assertResourceAttribute(t, attrs, "worker.site", "qwen")
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		env        string
		want       string
	}{
		{name: "config wins", configured: " http://config:4318 ", env: "http://env:4318", want: "http://config:4318"},
		{name: "environment", env: "http://env:4318", want: "http://env:4318"},
		{name: "default", want: DefaultEndpoint},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tc.env)
			if got := resolveEndpoint(tc.configured); got != tc.want {
				t.Fatalf("endpoint = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInitFallsBackToLogExporter(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var out bytes.Buffer
	logger := log.NewWithOptions(&out, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})
	shutdown, err := Init(context.Background(), Config{Logger: logger})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "task.process")
	span.End()
	shutdown()

	for _, want := range []string{"otlp exporter unavailable", "dial failed", `"name":"task.process"`} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("log output missing %q\n%s", want, out.String())
		}
	}
}

func TestLogSpanExporterWritesSpansAndEvents(t *testing.T) {
	var out bytes.Buffer
	exporter := &logSpanExporter{logger: log.NewWithOptions(&out, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})}
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	_, span := provider.Tracer("test").Start(context.Background(), "task.process")
	span.AddEvent("task.phase")
	span.AddEvent("invariant.violation")
	span.End()

	if err := exporter.ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("export spans: %v", err)
	}
	if !strings.Contains(out.String(), `"name":"task.process"`) || !strings.Contains(out.String(), `"events":"task.phase,invariant.violation"`) {
		t.Fatalf("unexpected exporter output %q", out.String())
	}

	var discard *logSpanExporter
	if err := discard.ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("nil exporter: %v", err)
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("CHATWORKER_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "dev")

	if got := resolveEnvironment(); got != "dev" {
		t.Fatalf("environment = %q, want dev", got)
	}
}
