package prerender

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/croc/internal/metrics"
)

// SchedulerConfig bounds the batch.
type SchedulerConfig struct {
	// Concurrency is the maximum number of captures in flight.
	Concurrency int
	// RouteTimeout is the per-route deadline; zero disables it.
	RouteTimeout time.Duration
}

// Scheduler runs a Worker over a fixed list of routes with bounded
// concurrency. The first failure ends the batch: no job that has not yet
// started will start, and Run returns that failure.
type Scheduler struct {
	cfg    SchedulerConfig
	pacer  Pacer
	logger *zap.Logger
}

// NewScheduler creates a Scheduler. pacer may be nil.
func NewScheduler(cfg SchedulerConfig, pacer Pacer, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, pacer: pacer, logger: logger}
}

// Run captures every route and returns the artifacts in submission order.
// It returns nil error only after every job has completed successfully.
func (s *Scheduler) Run(ctx context.Context, jobs []Route, worker Worker) ([]Artifact, error) {
	artifacts := make([]Artifact, len(jobs))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i, route := range jobs {
		if gctx.Err() != nil {
			break
		}
		if s.pacer != nil {
			if err := s.pacer.Wait(gctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			// A slot may free up after another job failed; never start then.
			if gctx.Err() != nil {
				return nil
			}
			artifact, err := s.runJob(gctx, route, worker)
			if err != nil {
				return &RouteError{Route: route, Err: err}
			}
			artifacts[i] = artifact
			completed.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if n := completed.Load(); n != int64(len(jobs)) {
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("batch stopped early")
		}
		return nil, fmt.Errorf("%d of %d routes captured: %w", n, len(jobs), cause)
	}
	return artifacts, nil
}

func (s *Scheduler) runJob(ctx context.Context, route Route, worker Worker) (Artifact, error) {
	jobCtx := ctx
	if s.cfg.RouteTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.RouteTimeout)
		defer cancel()
	}

	metrics.IncInflightCaptures()
	defer metrics.DecInflightCaptures()

	start := time.Now()
	artifact, err := worker.Capture(jobCtx, route)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrRouteTimeout, s.cfg.RouteTimeout, err)
		}
		metrics.ObserveCapture("error", elapsed, 0)
		s.logger.Error("route capture failed", zap.String("route", route), zap.Duration("elapsed", elapsed), zap.Error(err))
		return Artifact{}, err
	}
	metrics.ObserveCapture("success", elapsed, artifact.Bytes)
	s.logger.Info("route captured",
		zap.String("route", route),
		zap.String("location", artifact.Location),
		zap.Int("bytes", artifact.Bytes),
		zap.Duration("elapsed", elapsed),
	)
	return artifact, nil
}
