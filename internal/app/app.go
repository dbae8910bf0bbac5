// Package app builds the prerender pipeline from configuration and owns the
// lifetime of every long-lived client it creates.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	chromebrowser "github.com/JakeFAU/croc/internal/browser/chromedp"
	"github.com/JakeFAU/croc/internal/bundler"
	"github.com/JakeFAU/croc/internal/clock/system"
	"github.com/JakeFAU/croc/internal/config"
	"github.com/JakeFAU/croc/internal/hash/sha256"
	"github.com/JakeFAU/croc/internal/id/uuid"
	"github.com/JakeFAU/croc/internal/metrics"
	"github.com/JakeFAU/croc/internal/origin"
	"github.com/JakeFAU/croc/internal/policy/ratelimit"
	"github.com/JakeFAU/croc/internal/prerender"
	memorypublisher "github.com/JakeFAU/croc/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/croc/internal/publisher/pubsub"
	snapshotstorage "github.com/JakeFAU/croc/internal/storage"
	gcsstorage "github.com/JakeFAU/croc/internal/storage/gcs"
	localstorage "github.com/JakeFAU/croc/internal/storage/local"
	memorystorage "github.com/JakeFAU/croc/internal/storage/memory"
	pgstore "github.com/JakeFAU/croc/internal/storage/postgres"
	"github.com/JakeFAU/croc/internal/telemetry"
)

const (
	// defaultTopic labels run summaries kept by the in-memory publisher.
	defaultTopic    = "croc-runs"
	shutdownTimeout = 10 * time.Second
)

// App contains the pipeline and the clients it depends on.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	launch prerender.BrowserLauncher

	orchestrator   *prerender.Orchestrator
	metricsServer  *origin.Server
	storage        *storage.Client
	snapshots      *pgstore.SnapshotStore
	pubsub         *gcppublisher.Publisher
	runs           *memorypublisher.Publisher
	dryRun         *memorystorage.BlobStore
	tracerShutdown func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithLauncher replaces the headless Chrome launcher.
func WithLauncher(launch prerender.BrowserLauncher) Option {
	return func(a *App) {
		a.launch = launch
	}
}

// Build creates the application's dependencies. On error everything
// created so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.String("base_path", cfg.BasePath),
		zap.Int("port", cfg.Port),
		zap.Strings("routes", cfg.Routes),
	)

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.closeInfrastructure()
		app.closeObservability(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	if err := a.setupTelemetry(ctx); err != nil {
		return err
	}

	store, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	manifest, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	site := origin.New(origin.Config{Dir: a.cfg.Bundler.OutDir, AssetPrefix: a.cfg.AssetPrefix}, nil, a.logger.Named("origin"))
	server := origin.NewServer(origin.NewRouter(site, a.logger.Named("origin")), a.logger.Named("origin"))
	bundle := bundler.New(bundler.Config{
		Entry:       a.cfg.Bundler.Entry,
		OutDir:      a.cfg.Bundler.OutDir,
		Dir:         a.cfg.Bundler.Dir,
		DevCommand:  a.cfg.Bundler.DevCommand,
		ProdCommand: a.cfg.Bundler.ProdCommand,
		Watch:       a.cfg.Bundler.Watch,
		QuietPeriod: a.cfg.Bundler.QuietPeriod,
		ModeEnv:     a.cfg.Bundler.ModeEnv,
	}, site, server, a.logger.Named("bundler"))

	if a.launch == nil {
		a.launch = chromebrowser.Launcher(chromebrowser.Config{
			ExecPath:  a.cfg.Browser.ExecPath,
			Headless:  a.cfg.Browser.Headless,
			NoSandbox: a.cfg.Browser.NoSandbox,
		}, a.logger.Named("browser"))
	}

	clock := system.New()
	hasher := sha256.New()
	rendererCfg := prerender.RendererConfig{
		RootURL:         a.cfg.RootURL(),
		SettleDelay:     a.cfg.SettleDelay(),
		ViewportWidth:   a.cfg.Viewport.Width,
		ViewportHeight:  a.cfg.Viewport.Height,
		IncludeExternal: a.cfg.IncludeExternal,
		AssetPrefix:     a.cfg.AssetPrefix,
		ReadySelector:   a.cfg.ReadySelector,
	}
	rendererLogger := a.logger.Named("renderer")
	newWorker := func(browser prerender.Browser) prerender.Worker {
		return prerender.NewRenderer(rendererCfg, browser, store, hasher, clock, rendererLogger)
	}

	var pacer prerender.Pacer
	if a.cfg.PagesPerSecond > 0 {
		pacer = ratelimit.New(ratelimit.Config{PagesPerSecond: a.cfg.PagesPerSecond, Burst: a.cfg.Concurrency})
		a.logger.Info("page opens paced", zap.Float64("pages_per_second", a.cfg.PagesPerSecond))
	}
	scheduler := prerender.NewScheduler(prerender.SchedulerConfig{
		Concurrency:  a.cfg.Concurrency,
		RouteTimeout: a.cfg.RouteTimeout,
	}, pacer, a.logger.Named("scheduler"))

	a.orchestrator = prerender.NewOrchestrator(
		prerender.OrchestratorConfig{Port: a.cfg.Port, Routes: a.cfg.Routes, Topic: topic},
		bundle,
		a.launch,
		newWorker,
		scheduler,
		manifest,
		publisher,
		uuid.New(),
		clock,
		a.logger.Named("orchestrator"),
	)
	return nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled", zap.String("service", a.cfg.Telemetry.ServiceName))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (prerender.ArtifactStore, error) {
	if a.cfg.DryRun {
		a.logger.Info("dry run: snapshots are kept in memory")
		a.dryRun = memorystorage.NewBlobStore()
		return a.dryRun, nil
	}
	local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.BasePath})
	if err != nil {
		return nil, fmt.Errorf("local blob store init failed: %w", err)
	}
	a.logger.Debug("local storage backend", zap.String("path", local.BaseDir()))
	if a.cfg.Storage.GCSBucket == "" {
		return local, nil
	}

	a.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	mirror, err := gcsstorage.New(a.storage, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init failed: %w", err)
	}
	a.logger.Info("mirroring snapshots to GCS",
		zap.String("bucket", a.cfg.Storage.GCSBucket),
		zap.String("prefix", a.cfg.Storage.GCSPrefix),
	)
	return snapshotstorage.Mirror(local, mirror), nil
}

func (a *App) setupDatabase(ctx context.Context) (prerender.ManifestStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Debug("no DSN specified for database, skipping snapshot manifest")
		return nil, nil
	}
	var err error
	a.snapshots, err = pgstore.NewSnapshotStore(ctx, pgstore.SnapshotStoreConfig{
		DSN:   a.cfg.Database.DSN,
		Table: a.cfg.Database.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}
	a.logger.Info("snapshot store initialized", zap.String("table", a.cfg.Database.Table))
	return a.snapshots, nil
}

func (a *App) setupPublisher(ctx context.Context) (prerender.Publisher, string, error) {
	if a.cfg.PubSub.Topic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		a.runs = memorypublisher.New()
		return a.runs, defaultTopic, nil
	}
	var err error
	a.pubsub, err = gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.pubsub, a.cfg.PubSub.Topic, nil
}

// Run executes one pipeline run. The metrics server, when configured, is up
// for the duration of the run.
func (a *App) Run(ctx context.Context) (prerender.RunSummary, error) {
	if a.cfg.Metrics.Port != 0 && a.metricsServer == nil {
		a.metricsServer = origin.NewServer(newMetricsRouter(), a.logger.Named("metrics"))
		if err := a.metricsServer.Start(a.cfg.Metrics.Port); err != nil {
			return prerender.RunSummary{}, fmt.Errorf("metrics server: %w", err)
		}
	}
	return a.orchestrator.Run(ctx)
}

// DryRunPaths lists the snapshots captured in a dry run.
func (a *App) DryRunPaths() []string {
	if a.dryRun == nil {
		return nil
	}
	return a.dryRun.Paths()
}

// Phase reports the pipeline phase.
func (a *App) Phase() prerender.Phase {
	return a.orchestrator.Phase()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.snapshots != nil {
		a.snapshots.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; nothing to do about it.
	_ = a.logger.Sync()
}

func newMetricsRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
