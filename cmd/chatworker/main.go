package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatworker/internal/config"
	"github.com/chatrelay/chatworker/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(
		ctx,
		logging.WithWorkerID(cfg.ResolvedWorkerID()),
		logging.WithSite(cfg.Site),
		logging.WithLevel(cfg.LogLevel),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// rootFlags override the matching config file values.
type rootFlags struct {
	site       string
	workerID   string
	dispatcher string
}

func (f rootFlags) apply(cfg *config.Config) {
	if site := strings.ToLower(strings.TrimSpace(f.site)); site != "" {
		cfg.Site = site
	}
	if workerID := strings.TrimSpace(f.workerID); workerID != "" {
		cfg.WorkerID = workerID
	}
	if dispatcher := strings.TrimSpace(f.dispatcher); dispatcher != "" {
		cfg.DispatcherURL = dispatcher
	}
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "chatworker",
		Short:         "Browser-driven chat worker for a websocket task dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&flags.site, "site", "", "chat site profile (overrides config)")
	root.PersistentFlags().StringVar(&flags.workerID, "worker-id", "", "worker id sent to the dispatcher (overrides config)")
	root.PersistentFlags().StringVar(&flags.dispatcher, "dispatcher", "", "dispatcher websocket url (overrides config)")

	root.AddCommand(
		newRunCommand(cfg, logger),
		newTUICommand(cfg, logger),
		newSitesCommand(cfg),
		newHistoryCommand(cfg),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		flags.apply(cfg)
		logger.WithIdentity(cfg.ResolvedWorkerID(), cfg.Site)
		logger.Logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}
