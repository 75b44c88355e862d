package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatworker/internal/browser"
	"github.com/chatrelay/chatworker/internal/config"
	"github.com/chatrelay/chatworker/internal/connection"
	"github.com/chatrelay/chatworker/internal/doctor"
	"github.com/chatrelay/chatworker/internal/events"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/tui/theme"
)

const doctorProbeTimeout = 5 * time.Second

var (
	doctorVersionFn = browser.Version
	// doctorDialer is nil outside tests, selecting the default websocket dialer.
	doctorDialer connection.Dialer
)

// staticConnection replays a single probe result to the doctor manager.
type staticConnection connection.Status

func (s staticConnection) Status() connection.Status { return connection.Status(s) }

type checkLine struct {
	name   string
	ok     bool
	detail string
}

func newDoctorCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, browser, journal and dispatcher reachability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lines, err := runDoctor(cmd.Context(), cfg)
			printChecks(cmd.OutOrStdout(), lines)
			if err != nil && logger != nil {
				logger.Logger.Warn("doctor found problems", "err", err)
			}
			return err
		},
	}
}

func runDoctor(ctx context.Context, cfg *config.Config) ([]checkLine, error) {
	lines := make([]checkLine, 0, 6)
	failed := 0
	add := func(name string, err error, detail string) {
		line := checkLine{name: name, ok: err == nil, detail: detail}
		if err != nil {
			line.detail = err.Error()
			failed++
		}
		lines = append(lines, line)
	}

	add("config", cfg.Validate(), cfg.DispatcherURL)

	profile, err := lookupProfile(cfg.Site)
	add("site", err, profile.Name+" "+profile.StartURL)

	version, err := doctorVersionFn(ctx, cfg.Browser.ExecPath)
	add("chrome", err, version)

	store, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		add("journal", err, "")
		return lines, doctorError(failed)
	}
	defer store.Close()
	orphans, err := store.Orphans(ctx)
	add("journal", err, fmt.Sprintf("%s (%d unfinished)", cfg.JournalPath, len(orphans)))

	probeCtx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()
	status := connection.Probe(probeCtx, connection.Config{
		URL:      cfg.DispatcherURL,
		APIKey:   cfg.APIKey,
		WorkerID: cfg.ResolvedWorkerID(),
	}, doctorDialer)

	bus := events.New()
	defer bus.Close()
	manager, err := doctor.NewManager(doctor.Probes{
		Connection: staticConnection(status),
		Journal:    store,
	}, bus, doctor.Config{ProbeTimeout: doctorProbeTimeout})
	if err != nil {
		return lines, err
	}
	report, err := manager.RunOnce(ctx)
	if err != nil && !errors.Is(err, doctor.ErrUnhealthy) {
		return lines, err
	}
	if report.Healthy() {
		add("dispatcher", nil, "registered as "+cfg.ResolvedWorkerID())
	}
	for _, problem := range report.Problems {
		add("health", errors.New(problem), "")
	}
	return lines, doctorError(failed)
}

func doctorError(failed int) error {
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("doctor found %d problem(s)", failed)
}

func printChecks(out io.Writer, lines []checkLine) {
	for _, line := range lines {
		icon := theme.SuccessStyle.Render(theme.IconDone)
		detail := theme.MutedStyle.Render(line.detail)
		if !line.ok {
			icon = theme.ErrorStyle.Render(theme.IconFailed)
			detail = theme.ErrorStyle.Render(line.detail)
		}
		fmt.Fprintf(out, "%s %-10s %s\n", icon, line.name, detail)
	}
}
