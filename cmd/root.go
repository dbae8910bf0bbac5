// Package cmd defines the croc command line.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/croc/internal/app"
	"github.com/JakeFAU/croc/internal/config"
	"github.com/JakeFAU/croc/internal/logging"
	"github.com/JakeFAU/croc/internal/prerender"
)

const shutdownTimeout = 10 * time.Second

// newRootCmd creates the croc command. Running it without a subcommand
// performs one prerender run.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "croc",
		Short: "Prerender a single-page app into static HTML snapshots",
		Long: `croc builds the application in development mode, serves it locally,
captures every configured route in headless Chrome, writes each snapshot to
<basePath>/<route>/index.html and finishes with a production build.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrerender(cmd.Context(), cfgFile, dryRun)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./croc.{yaml,json,toml})")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "capture routes without writing snapshots to basePath")
	cmd.AddCommand(newServeCmd(&cfgFile))
	return cmd
}

func runPrerender(ctx context.Context, cfgFile string, dryRun bool) error {
	start := time.Now()
	cfg, logger, err := setup(cfgFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if dryRun {
		cfg.DryRun = true
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.Warn("application close failed", zap.Error(err))
		}
	}()

	summary, err := application.Run(ctx)
	if err != nil {
		return runError(summary, err)
	}
	logger.Info("prerender complete",
		zap.String("run_id", summary.RunID),
		zap.Int("snapshots", len(summary.Artifacts)),
		zap.String("base_path", cfg.BasePath),
		zap.Bool("dry_run", cfg.DryRun),
		logging.Elapsed(start),
	)
	for _, path := range application.DryRunPaths() {
		logger.Info("dry run snapshot", zap.String("path", path))
	}
	return nil
}

func setup(cfgFile string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// Execute runs the croc command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		zap.L().Fatal("croc failed", zap.Error(err))
	}
}

// runError names the phase that was active when the run failed.
func runError(summary prerender.RunSummary, err error) error {
	phase := summary.Phase()
	if n := len(summary.Phases); phase == prerender.PhaseFailed && n > 1 {
		phase = summary.Phases[n-2]
	}
	if prerender.IsRouteFailure(err) {
		return fmt.Errorf("prerender failed in %s phase, production rebuild skipped: %w", phase, err)
	}
	return fmt.Errorf("prerender failed in %s phase: %w", phase, err)
}
