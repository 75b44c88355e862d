package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatworker/internal/browser"
	"github.com/chatrelay/chatworker/internal/config"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/state"
)

const (
	bugreportLogLimit     = 3
	bugreportJournalLimit = 20
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportVersionFn = browser.Version
)

func newBugreportCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.Logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

// bundle is the in-memory content of a bug report, in archive order.
type bundle struct {
	created  time.Time
	entries  []bundleEntry
	warnings []string
}

type bundleEntry struct {
	name    string
	data    []byte
	modTime time.Time
}

func (b *bundle) add(name string, data []byte, modTime time.Time) {
	if modTime.IsZero() {
		modTime = b.created
	}
	b.entries = append(b.entries, bundleEntry{name: name, data: data, modTime: modTime})
}

func (b *bundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func runBugReport(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if homeDir = filepath.Clean(homeDir); strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return errors.New("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	b := &bundle{created: bugreportNowFn()}
	workerID, connID := addRecentLogs(b, filepath.Join(homeDir, config.DirName, "logs"))
	b.add("last-connection.txt", []byte(fmt.Sprintf("worker_id: %s\nconn_id: %s\n", workerID, connID)), time.Time{})

	chrome, err := bugreportVersionFn(ctx, cfg.Browser.ExecPath)
	if err != nil {
		b.warn("unable to read chrome version: %v", err)
		chrome = "unavailable"
	}
	b.add("version.txt", []byte(fmt.Sprintf(
		"chatworker version: %s\nchrome: %s\nplatform: %s/%s\n",
		Version, strings.TrimSpace(chrome), runtime.GOOS, runtime.GOARCH,
	)), time.Time{})

	var effective bytes.Buffer
	if err := cfg.Encode(&effective, true); err != nil {
		return err
	}
	b.add("config.toml", effective.Bytes(), time.Time{})
	b.add("journal.txt", journalExcerpt(ctx, b, cfg.JournalPath), time.Time{})
	b.add("README.txt", bugreportREADME(b, chrome, workerID, connID), time.Time{})

	bundlePath := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".chatworker-bugreport-%s.tar.gz", b.created.Format("20060102-150405")))
	if err := writeBundle(b, bundlePath); err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

// addRecentLogs bundles the newest log files and returns the identity of the
// newest record that carries a connection id.
func addRecentLogs(b *bundle, dir string) (workerID, connID string) {
	files, err := newestFiles(dir, bugreportLogLimit)
	if err != nil {
		b.warn("unable to read logs directory: %v", err)
	}
	for _, file := range files {
		// #nosec G304 -- paths come from listing the worker's own log directory.
		data, err := os.ReadFile(file.path)
		if err != nil {
			b.warn("unable to read log %s: %v", file.path, err)
			continue
		}
		b.add(path.Join("logs", filepath.Base(file.path)), data, file.modTime)
		if connID == "" {
			workerID, connID = lastConnection(data)
		}
	}
	if connID == "" {
		b.warn("no conn_id found in copied logs")
	}
	return workerID, connID
}

func lastConnection(data []byte) (workerID, connID string) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var record struct {
			WorkerID string `json:"worker_id"`
			ConnID   string `json:"conn_id"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
			continue
		}
		if id := strings.TrimSpace(record.ConnID); id != "" {
			return strings.TrimSpace(record.WorkerID), id
		}
	}
	return "", ""
}

// journalExcerpt lists recent tasks without prompts or responses, followed by
// the transition trail of each task that did not complete. A missing journal
// is reported, never created.
func journalExcerpt(ctx context.Context, b *bundle, dbPath string) []byte {
	if _, err := os.Stat(dbPath); err != nil {
		b.warn("no journal at %s", dbPath)
		return []byte("No journal found.\n")
	}
	store, err := journal.Open(ctx, dbPath)
	if err != nil {
		b.warn("unable to open journal: %v", err)
		return []byte("Journal unavailable.\n")
	}
	defer store.Close()

	tasks, err := store.Recent(ctx, bugreportJournalLimit)
	if err != nil {
		b.warn("unable to read journal: %v", err)
		return []byte("Journal unavailable.\n")
	}

	var out bytes.Buffer
	for _, task := range tasks {
		fmt.Fprintf(&out, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID,
			task.State,
			task.Site,
			task.StartedAt.UTC().Format(time.RFC3339),
			taskDuration(task),
			task.Error,
		)
		if task.State == state.TaskCompleted {
			continue
		}
		events, err := store.Events(ctx, task.ID)
		if err != nil {
			b.warn("unable to read events for %s: %v", task.ID, err)
			continue
		}
		for _, event := range events {
			fmt.Fprintf(&out, "  %s\n", event.Body)
		}
	}
	return out.Bytes()
}

func bugreportREADME(b *bundle, chrome, workerID, connID string) []byte {
	var out strings.Builder
	out.WriteString("chatworker bug report\n\n")
	fmt.Fprintf(&out, "Generated: %s\n", b.created.Format(time.RFC3339))
	fmt.Fprintf(&out, "Version: %s\n", Version)
	fmt.Fprintf(&out, "Chrome: %s\n", strings.TrimSpace(chrome))
	fmt.Fprintf(&out, "worker_id: %s\n", workerID)
	fmt.Fprintf(&out, "conn_id: %s\n\n", connID)
	out.WriteString("Contents:\n")
	for _, entry := range b.entries {
		fmt.Fprintf(&out, "- %s\n", entry.name)
	}
	out.WriteString("- README.txt\n\n")
	out.WriteString("config.toml is the effective configuration after file overlay and flags, with credentials redacted.\n")
	out.WriteString("journal.txt omits prompts and responses. Match conn_id against the dispatcher's logs.\n")
	if len(b.warnings) > 0 {
		out.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			fmt.Fprintf(&out, "- %s\n", warning)
		}
	}
	return []byte(out.String())
}

// writeBundle streams every entry into a gzip-compressed tarball at dest.
func writeBundle(b *bundle, dest string) (err error) {
	// #nosec G304 -- dest is a generated name in the working directory.
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", dest, err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, file} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", dest, closeErr)
			}
		}
	}()

	for _, entry := range b.entries {
		header := &tar.Header{
			Name:     entry.name,
			Mode:     0o600,
			Size:     int64(len(entry.data)),
			ModTime:  entry.modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("write %s into archive: %w", entry.name, err)
		}
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
