package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatworker/internal/browser"
	"github.com/chatrelay/chatworker/internal/config"
	"github.com/chatrelay/chatworker/internal/connection"
	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/doctor"
	"github.com/chatrelay/chatworker/internal/engine"
	"github.com/chatrelay/chatworker/internal/events"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/metrics"
	"github.com/chatrelay/chatworker/internal/recovery"
	"github.com/chatrelay/chatworker/internal/site"
	"github.com/chatrelay/chatworker/internal/stabilize"
	"github.com/chatrelay/chatworker/internal/state"
	"github.com/chatrelay/chatworker/internal/telemetry"
	"github.com/chatrelay/chatworker/internal/tui"
)

// worker is the fully wired runtime behind the run and tui commands.
type worker struct {
	cfg     *config.Config
	logger  *log.Logger
	profile site.Profile

	shutdownTelemetry func()
	journal           *journal.Store
	bus               *events.InMemoryBus
	browser           *browser.Browser
	session           *engine.Session
	conn              *connection.Manager
	panel             *control.Panel
	doctor            *doctor.Manager

	stopBackground context.CancelFunc
	wg             sync.WaitGroup
	closeOnce      sync.Once
}

// startWorker opens every dependency, runs startup recovery and returns a
// stopped worker. Callers must Close it.
func startWorker(ctx context.Context, cfg *config.Config, logger *log.Logger) (w *worker, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	profile, err := lookupProfile(cfg.Site)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	w = &worker{cfg: cfg, logger: logger, profile: profile}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	w.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint: cfg.OTelEndpoint,
		Version:  Version,
		WorkerID: cfg.ResolvedWorkerID(),
		Site:     cfg.Site,
		Logger:   logger,
	})
	if err != nil {
		return w, fmt.Errorf("initialize telemetry: %w", err)
	}
	if w.journal, err = journal.Open(ctx, cfg.JournalPath); err != nil {
		return w, err
	}
	w.bus = events.New(events.WithLogger(logger))

	w.browser, err = browser.Launch(ctx, browser.Options{
		Headless:     cfg.Browser.Headless,
		UserDataDir:  cfg.Browser.UserDataDir,
		ExecPath:     cfg.Browser.ExecPath,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
		OpTimeout:    cfg.Browser.OpTimeout,
		StartURL:     profile.StartURL,
	}, logger)
	if err != nil {
		return w, err
	}
	driver, err := site.NewDriver(profile, w.browser)
	if err != nil {
		return w, err
	}

	workerID := cfg.ResolvedWorkerID()
	machine, err := state.NewMachine(w.journal, workerID)
	if err != nil {
		return w, err
	}
	completed, err := w.journal.CompletedCount(ctx)
	if err != nil {
		return w, err
	}

	settle := engine.Settle{
		Focus:  cfg.Settle.Focus,
		Write:  cfg.Settle.Write,
		Submit: cfg.Settle.Submit,
	}
	w.panel = control.NewPanel(
		control.WithBus(w.bus),
		control.WithLogger(logger),
		control.WithCompleted(completed),
	)
	detector := stabilize.New(
		detectorConfig(cfg, profile),
		stabilize.WithObservationHook(engine.ObservationHook(profile.Name, logger.Debug)),
	)
	w.session, err = engine.New(workerID, driver, detector,
		engine.WithObserver(w.panel),
		engine.WithLogger(logger),
		engine.WithMachine(machine),
		engine.WithRecorder(w.journal),
		engine.WithSettle(settle),
		engine.WithTasksDone(completed),
	)
	if err != nil {
		return w, err
	}

	w.conn, err = connection.New(connection.Config{
		URL:               cfg.DispatcherURL,
		APIKey:            cfg.APIKey,
		WorkerID:          workerID,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		InitialDelay:      cfg.InitialConnectDelay,
	}, w.session,
		connection.WithObserver(w.panel),
		connection.WithLogger(logger),
		connection.WithMachine(machine),
	)
	if err != nil {
		return w, err
	}
	w.panel.Bind(w.conn)

	if err := w.recover(ctx, driver); err != nil {
		return w, err
	}

	w.doctor, err = doctor.NewManager(doctor.Probes{
		Browser:    w.browser,
		Connection: w.conn,
		Journal:    w.journal,
		Tasks:      w.session,
	}, w.bus, doctor.Config{
		HeartbeatInterval: cfg.DoctorInterval,
		StuckTimeout:      2 * (cfg.ResponseTimeout + settle.Total()),
		PongTimeout:       3 * cfg.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return w, err
	}
	return w, nil
}

func detectorConfig(cfg *config.Config, profile site.Profile) stabilize.Config {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = profile.PollInterval
	}
	return stabilize.Config{
		PollInterval: poll,
		Timeout:      cfg.ResponseTimeout,
		Threshold:    cfg.StabilityThreshold,
		MinLength:    cfg.MinResponseLength,
	}
}

func (w *worker) recover(ctx context.Context, resetter recovery.ConversationResetter) error {
	manager, err := recovery.NewManager(w.journal, recovery.Config{
		EventBus: w.bus,
		Resetter: resetter,
	})
	if err != nil {
		return err
	}
	result, err := manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if count := len(result.AbandonedTaskIDs); count > 0 {
		w.panel.OnLog(fmt.Sprintf("Abandoned %d unfinished task(s) from last run", count), control.SeverityInfo)
	}
	if result.ResetError != "" {
		w.panel.OnLog("New chat after recovery failed: "+result.ResetError, control.SeverityError)
	}
	w.logger.Info("startup recovery finished",
		"abandoned", len(result.AbandonedTaskIDs),
		"conversation_reset", result.ConversationReset,
		"duration", result.RecoveryDuration,
	)
	return nil
}

// background starts the metrics endpoint and the health heartbeat until ctx ends.
func (w *worker) background(ctx context.Context) {
	ctx, w.stopBackground = context.WithCancel(ctx)
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := metrics.Serve(ctx, w.cfg.MetricsAddr, w.logger); err != nil {
			w.logger.Warn("metrics endpoint stopped", "err", err)
		}
	}()
	go func() {
		defer w.wg.Done()
		w.doctor.Start(ctx)
	}()
}

// Close stops the connection, waits for in-flight work and releases every resource.
func (w *worker) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		if w.conn != nil {
			w.conn.Stop()
			w.conn.Wait()
		}
		if w.session != nil {
			w.session.Wait()
		}
		if w.stopBackground != nil {
			w.stopBackground()
		}
		w.wg.Wait()
		w.browser.Close()
		if w.bus != nil {
			w.bus.Close()
		}
		if w.journal != nil {
			if err := w.journal.Close(); err != nil {
				w.logger.Warn("close journal", "err", err)
			}
		}
		if w.shutdownTelemetry != nil {
			w.shutdownTelemetry()
		}
	})
}

func newRunCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker headless until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w, err := startWorker(ctx, cfg, logger.Logger)
			if err != nil {
				return err
			}
			defer w.Close()

			w.bus.Subscribe(events.EventTypeLog, printLogEvent(cmd.OutOrStdout()))
			w.background(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "chatworker %s on %s as %s (log: %s)\n",
				Version, w.profile.Name, cfg.ResolvedWorkerID(), logger.Path())
			if _, err := w.panel.Toggle(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

func newTUICommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Run the worker with the terminal control panel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w, err := startWorker(ctx, cfg, logger.Logger)
			if err != nil {
				return err
			}
			defer w.Close()

			w.background(ctx)
			return tui.Run(ctx, w.panel, tui.Header{Site: w.profile.Name, WorkerID: cfg.ResolvedWorkerID()}, w.bus)
		},
	}
}

func printLogEvent(out io.Writer) events.Handler {
	var mu sync.Mutex
	return func(event events.Event) {
		entry, ok := event.Payload.(control.LogEntry)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s %s\n", entry.At.Format(time.TimeOnly), entry.Message)
	}
}

var (
	_ control.Worker         = (*connection.Manager)(nil)
	_ doctor.TaskProbe       = (*engine.Session)(nil)
	_ doctor.ConnectionProbe = (*connection.Manager)(nil)
)
