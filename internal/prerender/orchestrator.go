package prerender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/croc/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// OrchestratorConfig carries the run-level settings.
type OrchestratorConfig struct {
	Port   int
	Routes []Route
	// Topic receives the RunSummary when a Publisher is configured.
	Topic string
}

// Orchestrator drives the phase state machine for a single run:
// Building -> Serving -> Capturing -> Rebuilding -> Done, or Failed.
type Orchestrator struct {
	cfg       OrchestratorConfig
	bundler   Bundler
	launch    BrowserLauncher
	newWorker WorkerFactory
	scheduler *Scheduler
	manifest  ManifestStore
	publisher Publisher
	ids       IDGenerator
	clock     Clock
	logger    *zap.Logger

	mu    sync.Mutex
	state *runState
}

// runState is owned by the Orchestrator and threaded through transitions.
type runState struct {
	runID        string
	phase        Phase
	mode         BuildMode
	started      time.Time
	phaseStarted time.Time
	history      []Phase
	browser      Browser
}

// NewOrchestrator wires the collaborators. manifest and publisher may be nil.
func NewOrchestrator(
	cfg OrchestratorConfig,
	bundler Bundler,
	launch BrowserLauncher,
	newWorker WorkerFactory,
	scheduler *Scheduler,
	manifest ManifestStore,
	publisher Publisher,
	ids IDGenerator,
	clock Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		bundler:   bundler,
		launch:    launch,
		newWorker: newWorker,
		scheduler: scheduler,
		manifest:  manifest,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// Phase reports the current phase; it is empty before Run starts.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return ""
	}
	return o.state.phase
}

// Run executes the pipeline once. Owned resources are released before it
// returns, whatever the outcome. An Orchestrator cannot be run twice.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	st, err := o.begin()
	if err != nil {
		return RunSummary{}, err
	}
	ctx, span := tracer.Start(ctx, "prerender.run", trace.WithAttributes(attribute.String("run_id", st.runID)))
	defer span.End()
	defer o.release(st)

	artifacts, err := o.drive(ctx, st)
	if err != nil {
		o.fail(ctx, st, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return o.summary(st, nil), err
	}

	summary := o.summary(st, artifacts)
	o.finalize(ctx, summary)
	o.logger.Info("Total time", zap.String("run_id", st.runID), zap.Duration("elapsed", o.clock.Now().Sub(st.started)))
	return summary, nil
}

func (o *Orchestrator) begin() (*runState, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	now := o.clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != nil {
		return nil, fmt.Errorf("%w: pipeline already ran", ErrPhaseTransition)
	}
	o.state = &runState{
		runID:        runID,
		phase:        PhaseBuilding,
		mode:         ModeDevelopment,
		started:      now,
		phaseStarted: now,
		history:      []Phase{PhaseBuilding},
	}
	metrics.SetPhase(string(PhaseBuilding))
	o.logger.Info("Building in dev mode", zap.String("run_id", runID))
	return o.state, nil
}

func (o *Orchestrator) drive(ctx context.Context, st *runState) ([]Artifact, error) {
	if err := o.build(ctx, st); err != nil {
		return nil, err
	}
	if err := o.transition(ctx, st, PhaseServing); err != nil {
		return nil, err
	}

	if err := o.transition(ctx, st, PhaseCapturing); err != nil {
		return nil, err
	}
	artifacts, err := o.scheduler.Run(ctx, o.cfg.Routes, o.newWorker(st.browser))
	if err != nil {
		return nil, fmt.Errorf("capture routes: %w", err)
	}

	if err := o.transition(ctx, st, PhaseRebuilding); err != nil {
		return nil, err
	}
	o.setMode(st, ModeProduction)
	o.logger.Info("Rebuilding in prod mode")
	buildStart := o.clock.Now()
	if err := o.bundler.Bundle(ctx, st.mode); err != nil {
		metrics.ObserveBuild(string(st.mode), "error", o.clock.Now().Sub(buildStart))
		return nil, fmt.Errorf("production rebuild: %w", err)
	}
	metrics.ObserveBuild(string(st.mode), "success", o.clock.Now().Sub(buildStart))

	if err := o.transition(ctx, st, PhaseDone); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// build starts the dev build/serve and the browser concurrently and returns
// once both are ready.
func (o *Orchestrator) build(ctx context.Context, st *runState) error {
	var browser Browser
	start := o.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := o.bundler.Serve(gctx, o.cfg.Port, st.mode); err != nil {
			metrics.ObserveBuild(string(st.mode), "error", o.clock.Now().Sub(start))
			return fmt.Errorf("serve site: %w", err)
		}
		metrics.ObserveBuild(string(st.mode), "success", o.clock.Now().Sub(start))
		return nil
	})
	g.Go(func() error {
		b, err := o.launch(gctx)
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		browser = b
		return nil
	})
	err := g.Wait()

	o.mu.Lock()
	st.browser = browser
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) setMode(st *runState, mode BuildMode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st.mode = mode
}

func (o *Orchestrator) transition(ctx context.Context, st *runState, to Phase) error {
	now := o.clock.Now()
	o.mu.Lock()
	from := st.phase
	if err := checkTransition(from, to); err != nil {
		o.mu.Unlock()
		return err
	}
	elapsed := now.Sub(st.phaseStarted)
	st.phase = to
	st.phaseStarted = now
	st.history = append(st.history, to)
	o.mu.Unlock()

	metrics.ObservePhase(string(from), elapsed)
	metrics.SetPhase(string(to))
	trace.SpanFromContext(ctx).AddEvent(string(to))
	o.logger.Info("phase complete",
		zap.String("run_id", st.runID),
		zap.String("phase", string(from)),
		zap.String("next", string(to)),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, st *runState, cause error) {
	o.mu.Lock()
	from := st.phase
	o.mu.Unlock()
	if from.Terminal() {
		return
	}
	if err := o.transition(ctx, st, PhaseFailed); err != nil {
		o.logger.Error("failed transition rejected", zap.Error(err))
	}
	o.logger.Error("pipeline failed",
		zap.String("run_id", st.runID),
		zap.String("phase", string(from)),
		zap.Error(cause),
	)
}

// release closes the browser and the bundler. It runs on every exit path.
func (o *Orchestrator) release(st *runState) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	o.mu.Lock()
	browser := st.browser
	st.browser = nil
	o.mu.Unlock()

	if browser != nil {
		if err := browser.Close(ctx); err != nil {
			o.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if err := o.bundler.Close(ctx); err != nil {
		o.logger.Warn("bundler close failed", zap.Error(err))
	}
	o.logger.Debug("resources released", zap.String("run_id", st.runID))
}

func (o *Orchestrator) summary(st *runState, artifacts []Artifact) RunSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RunSummary{
		RunID:      st.runID,
		StartedAt:  st.started,
		FinishedAt: o.clock.Now(),
		Phases:     append([]Phase(nil), st.history...),
		Artifacts:  artifacts,
	}
}

// finalize records the manifest and publishes the summary. Both are
// best-effort: the run is already Done.
func (o *Orchestrator) finalize(ctx context.Context, summary RunSummary) {
	if o.manifest != nil {
		if err := o.manifest.RecordSnapshots(ctx, summary.RunID, summary.Artifacts); err != nil {
			o.logger.Warn("record manifest failed", zap.String("run_id", summary.RunID), zap.Error(err))
		}
	}
	if o.publisher != nil && o.cfg.Topic != "" {
		id, err := o.publisher.Publish(ctx, o.cfg.Topic, summary)
		switch {
		case err != nil:
			o.logger.Warn("publish run summary failed", zap.String("run_id", summary.RunID), zap.Error(err))
		default:
			o.logger.Info("run summary published", zap.String("run_id", summary.RunID), zap.String("message_id", id))
		}
	}
}

// IsRouteFailure reports whether err came from a route capture.
func IsRouteFailure(err error) bool {
	var routeErr *RouteError
	return errors.As(err, &routeErr)
}
