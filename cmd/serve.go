package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/croc/internal/origin"
)

// newServeCmd creates the 'serve' subcommand, which exposes a build output
// directory through the static origin until interrupted.
func newServeCmd(cfgFile *string) *cobra.Command {
	var (
		dir  string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build output the way the browser sees it during capture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if dir == "" {
				dir = cfg.Bundler.OutDir
			}
			if !cmd.Flags().Changed("port") {
				port = cfg.Port
			}
			return serve(cmd.Context(), origin.Config{Dir: dir, AssetPrefix: cfg.AssetPrefix}, port, logger)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to serve (default is bundler.outDir)")
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default is port from config)")
	return cmd
}

func serve(ctx context.Context, cfg origin.Config, port int, logger *zap.Logger) error {
	site := origin.New(cfg, nil, logger.Named("origin"))
	if err := site.Reload(); err != nil {
		return fmt.Errorf("load shell: %w", err)
	}
	server := origin.NewServer(origin.NewRouter(site, logger.Named("origin")), logger.Named("origin"))
	if err := server.Start(port); err != nil {
		return err
	}
	logger.Info("serving build output", zap.String("dir", cfg.Dir), zap.String("addr", server.Addr()))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := server.Wait(); err != nil {
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
