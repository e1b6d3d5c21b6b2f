package main

import (
	"fmt"
	"os"
	"path/filepath"

	"reigh/internal/admission"
	"reigh/internal/completion"
	"reigh/internal/config"
	"reigh/internal/logging"
	"reigh/internal/scheduler"
	"reigh/internal/store"
	"reigh/internal/timeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	dbPath    string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reigh",
	Short: "Reigh - task scheduling and generation materialization core",
	Long: `Reigh coordinates queued generation tasks for a multi-tenant media
platform: workers claim tasks under fairness, dependency, capacity, credit,
and execution-class constraints; completed tasks materialize generations and
link them into shot timelines.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, _ = os.Getwd()
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Logging init failed", zap.Error(err))
		}

		cfg, err = config.Load(filepath.Join(workspace, ".reigh", "config.yaml"))
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Storage.DatabasePath = dbPath
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// openSurface wires the store and engines for one command invocation.
func openSurface() (*admission.Surface, *store.Store, error) {
	st, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.New(st, scheduler.WithMaxInProgressPerUser(cfg.Scheduler.MaxInProgressPerUser))
	tl := timeline.New(st, timeline.WithFrameSpacing(cfg.Timeline.FrameSpacing))
	comp := completion.New(st, tl)
	return admission.New(st, sched, comp, tl), st, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override database path")

	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(shotCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
