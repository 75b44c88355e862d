package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "chatworker"
	// DefaultEnvironment is used when no environment variable is set.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is used when neither the config nor OTEL_EXPORTER_OTLP_ENDPOINT names one.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout is the batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize is the batch span processor max export batch size.
	BatchSize = 512
)

// Config selects where spans go and how the worker identifies itself.
type Config struct {
	// Endpoint wins over OTEL_EXPORTER_OTLP_ENDPOINT when set.
	Endpoint string
	Version  string
	WorkerID string
	Site     string
	// Logger receives finished spans at debug level when the OTLP exporter
	// cannot be built. The terminal belongs to the control panel, so spans
	// never go to stderr.
	Logger *log.Logger
}

var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")); certPath != "" {
		tlsConfig, err := tlsConfigFromCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Init installs a global tracer provider and returns its idempotent shutdown.
func Init(ctx context.Context, cfg Config) (func(), error) {
	endpoint := resolveEndpoint(cfg.Endpoint)
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Warn("otlp exporter unavailable, spans go to the log", "endpoint", endpoint, "error", err)
		}
		exporter = &logSpanExporter{logger: cfg.Logger}
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", resolveVersion(cfg.Version)),
		attribute.String("environment", resolveEnvironment()),
	}
	if id := strings.TrimSpace(cfg.WorkerID); id != "" {
		attrs = append(attrs, attribute.String("worker.id", id))
	}
	if site := strings.TrimSpace(cfg.Site); site != "" {
		attrs = append(attrs, attribute.String("worker.site", site))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"CHATWORKER_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveVersion(version string) string {
	if version = strings.TrimSpace(version); version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// logSpanExporter writes one debug record per span. A nil logger discards.
type logSpanExporter struct {
	logger *log.Logger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.logger == nil {
		return nil
	}
	for _, span := range spans {
		names := make([]string, 0, len(span.Events()))
		for _, event := range span.Events() {
			names = append(names, event.Name)
		}
		e.logger.Debug("span",
			"name", span.Name(),
			"duration_ms", span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status", span.Status().Code.String(),
			"events", strings.Join(names, ","),
		)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}
