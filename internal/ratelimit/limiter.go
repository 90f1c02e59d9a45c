// Package ratelimit implements a per-source token bucket with failure-driven
// exponential backoff. One throttled source never starves the others.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerMinute is the steady-state budget per source. Zero or
	// negative means unlimited.
	RequestsPerMinute float64
	// Burst is the bucket depth per source (default 1).
	Burst int
	// BaseBackoff is the first delay applied after a failure (default 1s).
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling (default 5m).
	MaxBackoff time.Duration
}

// Limiter manages independent token buckets keyed by source ID.
type Limiter struct {
	mu      sync.Mutex
	sources map[string]*sourceState

	defaultRate  rate.Limit
	defaultBurst int
	baseBackoff  time.Duration
	maxBackoff   time.Duration

	now func() time.Time
}

type sourceState struct {
	limiter *rate.Limiter
	// backoff is the current failure delay; zero while the source is healthy.
	backoff time.Duration
	// readyAt is the earliest instant the next acquire may proceed.
	readyAt time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerMinute / 60.0)
	if cfg.RequestsPerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	maxB := cfg.MaxBackoff
	if maxB <= 0 {
		maxB = 5 * time.Minute
	}
	return &Limiter{
		sources:      make(map[string]*sourceState),
		defaultRate:  r,
		defaultBurst: burst,
		baseBackoff:  base,
		maxBackoff:   maxB,
		now:          time.Now,
	}
}

// Acquire blocks until a slot is available for sourceID or the context ends.
// A deadline elapsing while waiting yields research.ErrRateLimitTimeout; the
// call never blocks past the caller's deadline.
func (l *Limiter) Acquire(ctx context.Context, sourceID string) error {
	state := l.state(sourceID)

	l.mu.Lock()
	var wait time.Duration
	if !state.readyAt.IsZero() {
		wait = state.readyAt.Sub(l.now())
	}
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return l.wrapCtxErr(ctx.Err())
		case <-timer.C:
		}
	}

	if err := state.limiter.Wait(ctx); err != nil {
		return l.wrapCtxErr(ctx.Err())
	}
	return nil
}

// ReportSuccess resets sourceID's backoff after a successful call.
func (l *Limiter) ReportSuccess(sourceID string) {
	state := l.state(sourceID)
	l.mu.Lock()
	state.backoff = 0
	state.readyAt = time.Time{}
	l.mu.Unlock()
}

// ReportFailure doubles sourceID's backoff delay up to the ceiling and pushes
// out the next permitted acquire.
func (l *Limiter) ReportFailure(sourceID string) {
	state := l.state(sourceID)
	l.mu.Lock()
	if state.backoff == 0 {
		state.backoff = l.baseBackoff
	} else {
		state.backoff *= 2
	}
	if state.backoff > l.maxBackoff {
		state.backoff = l.maxBackoff
	}
	state.readyAt = l.now().Add(state.backoff)
	l.mu.Unlock()
}

func (l *Limiter) state(sourceID string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.sources[sourceID]
	if !ok {
		state = &sourceState{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.sources[sourceID] = state
	}
	return state
}

func (l *Limiter) wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", research.ErrRateLimitTimeout, err)
	}
	if err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return fmt.Errorf("rate limit wait interrupted: %w", research.ErrRateLimitTimeout)
}
