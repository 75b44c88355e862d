// Package tracing runs local helper commands under an OpenTelemetry span.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes name with args in dir and records a "command.exec" span.
// An empty dir runs in the current directory. Arguments that look like
// credentials are redacted in the span.
func Run(ctx context.Context, name string, args []string, dir string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, errors.New("command name must not be empty")
	}

	attrs := []attribute.KeyValue{
		attribute.String("command", name),
		attribute.String("args_redacted", strings.Join(RedactArgs(args), " ")),
	}
	if dir = strings.TrimSpace(dir); dir != "" {
		attrs = append(attrs, attribute.String("cwd", dir))
	}
	ctx, span := otel.Tracer("chatworker/tracing").Start(ctx, "command.exec", trace.WithAttributes(attrs...))
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		ExitCode: resolveExitCode(ctx, cmd, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stdout != "" {
		span.AddEvent("command.stdout", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes)),
		))
	}
	if result.Stderr != "" {
		span.AddEvent("command.stderr", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes)),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, WrapExecutionError(name, RedactArgs(args), err)
	}
	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks values of credential-looking flags, both "--key=value"
// and "--key value" forms.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && Sensitive(key) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		if strings.HasPrefix(trimmed, "-") && Sensitive(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

// Sensitive reports whether a flag or config key names a credential.
func Sensitive(key string) bool {
	value := strings.ToLower(key)
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"api_key",
		"apikey",
		"auth",
		"bearer",
	} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a single-line command preview for traces and logs.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(name string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(name, args), err)
}
