// Package ratelimit paces page opens with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/croc/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PagesPerSecond is the sustained rate; <= 0 disables pacing.
	PagesPerSecond float64
	// Burst is the number of pages that may open back to back.
	Burst int
}

// Limiter delays page opens to at most PagesPerSecond.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PagesPerSecond)
	if cfg.PagesPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until the next page may open, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were available immediately are not a delay.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObservePaceDelay(d)
	}
	return nil
}
