package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	workerID string
	site     string
	level    string
	dir      string
}

// WithWorkerID configures the worker_id field used in emitted log records.
func WithWorkerID(workerID string) Option {
	return func(opts *newOptions) {
		opts.workerID = strings.TrimSpace(workerID)
	}
}

// WithSite configures the site field used in emitted log records.
func WithSite(site string) Option {
	return func(opts *newOptions) {
		opts.site = strings.TrimSpace(site)
	}
}

// WithLevel sets the minimum level; unknown names fall back to info.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithDir writes the log file under dir instead of ~/.chatworker/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	workerID   string
	site       string
	connID     string
}

// New initializes logging under ~/.chatworker/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".chatworker", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("chatworker-%s.log", timestamp)
	if resolved.workerID != "" {
		fileName = fmt.Sprintf("chatworker-%s-%s.log", timestamp, resolved.workerID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: NewJSON(file, resolved.level),
		workerID:   resolved.workerID,
		site:       resolved.site,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// NewJSON returns a JSON logger writing to w at the named level.
func NewJSON(w io.Writer, level string) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		Level:           parseLevel(level),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// WithConnID updates the conn_id field for subsequent log records.
func (r *RuntimeLogger) WithConnID(connID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.connID = strings.TrimSpace(connID)
	r.rebuildLogger()
	return r
}

// WithIdentity updates the worker_id and site fields for subsequent log records.
func (r *RuntimeLogger) WithIdentity(workerID, site string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.workerID = strings.TrimSpace(workerID)
	r.site = strings.TrimSpace(site)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"worker_id", r.workerID,
		"site", r.site,
		"conn_id", r.connID,
	)
}

func parseLevel(name string) log.Level {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
