package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/breaker"
	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/daemon"
	"github.com/mendcore/mend/internal/escalate"
	"github.com/mendcore/mend/internal/events"
	"github.com/mendcore/mend/internal/fixer"
	"github.com/mendcore/mend/internal/logging"
	"github.com/mendcore/mend/internal/state"
	"github.com/mendcore/mend/internal/telemetry"
	"github.com/mendcore/mend/internal/watcher"
)

// busBuffer is the per-subscriber event channel capacity; slow subscribers
// drop rather than block the engine.
const busBuffer = 256

var startForeground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the fix engine until stopped",
	Long: `Start runs the engine in the foreground until a signal or 'mend stop'.
It never forks; use your service manager or shell to background it.
Logs go to .mend/logs/mendd.log, and with --foreground to stderr as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mendDir, err := resolveMendDir()
		if err != nil {
			return err
		}
		return runEngine(mendDir, startForeground)
	},
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "log to stderr in addition to the daemon log")
	rootCmd.AddCommand(startCmd)
}

func runEngine(mendDir string, foreground bool) error {
	cfg, err := config.Load(config.ConfigFile(mendDir))
	if err != nil {
		return err
	}
	root := cfg.Project.Root
	if root == "" {
		root = filepath.Dir(mendDir)
	}

	logPath := config.DaemonLogFile(mendDir)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()
	var out io.Writer = logFile
	if foreground {
		out = io.MultiWriter(logFile, os.Stderr)
	}
	logger := logging.New(log.New(out, "", 0), logging.ParseLevel(cfg.Logging.Level), "mendd")

	store := state.NewStore(mendDir, state.Options{
		LockTimeout: cfg.State.LockTimeout(),
		Bounds:      cfg.State.Bounds(),
	})
	br := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.Window(), nil)

	verify := fixer.VerifierFrom(cfg.Verifier, root)
	executor := fixer.NewAutoFixer(fixer.FixerFrom(cfg.Fixer, root), verify, br, fixer.Options{
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.Retry.BackoffBase(),
		BackoffMax:  cfg.Retry.BackoffMax(),
		Logger:      logger,
	})

	var source daemon.ChangeSource
	if cfg.Watcher.Enabled {
		w, err := watcher.New(watcher.Options{
			Root:        root,
			Paths:       cfg.Watcher.Paths,
			Ignore:      cfg.Watcher.Ignore,
			Debounce:    cfg.Watcher.Debounce(),
			EventBuffer: cfg.Watcher.EventBuffer,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		source = w
	}

	audit, err := events.NewAuditLogger(config.AuditLogFile(mendDir), events.DefaultMaxLogSize)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	ctx := context.Background()
	metrics, err := telemetry.New(ctx, cfg.Telemetry, version, os.Stdout)
	if err != nil {
		return err
	}

	eng, err := daemon.New(daemon.Options{
		MendDir:       mendDir,
		Config:        cfg,
		Store:         store,
		Breaker:       br,
		Planner:       fixer.PlannerFrom(cfg.Planner, root),
		Executor:      executor,
		Verifier:      verify,
		Escalator:     escalate.New(escalate.ChannelsFrom(cfg.Escalation, mendDir, logger), logger),
		Source:        source,
		Bus:           events.NewBus(busBuffer),
		Audit:         audit,
		Metrics:       metrics,
		Logger:        logger,
		Version:       version,
		HandleSignals: true,
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("mend engine started (pid %d), logging to %s\n", os.Getpid(), logPath)

	eng.Wait()
	fmt.Println("mend engine stopped")
	return nil
}
