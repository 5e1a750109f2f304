package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Guarded adds a local rate limit and a circuit breaker in front of a
// backend. Admission waits on the limiter within the caller's deadline.
type Guarded struct {
	inner   Backend
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  zerolog.Logger
}

var _ Backend = (*Guarded)(nil)

// NewGuarded wraps inner. RequestsPerSecond <= 0 disables the limiter.
func NewGuarded(inner Backend, cfg BackendConfig, logger zerolog.Logger) *Guarded {
	g := &Guarded{
		inner:   inner,
		breaker: NewCircuitBreaker(inner.Name(), cfg.Breaker, logger),
		logger:  logger.With().Str("backend", inner.Name()).Str("provider", inner.Provider()).Logger(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

func (g *Guarded) Name() string     { return g.inner.Name() }
func (g *Guarded) Provider() string { return g.inner.Provider() }

// Breaker exposes the breaker for stats.
func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

// Invoke waits for admission, then calls the backend through the breaker.
func (g *Guarded) Invoke(ctx context.Context, req Request) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", &BackendError{Backend: g.Name(), Err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
		}
	}

	start := time.Now()
	text, err := g.breaker.Execute(ctx, func() (string, error) {
		return g.inner.Invoke(ctx, req)
	})
	if err != nil {
		ev := g.logger.Warn()
		if errors.Is(err, ErrCircuitOpen) {
			ev = g.logger.Debug()
		}
		ev.Err(err).Dur("elapsed", time.Since(start)).Msg("backend call failed")
		return "", &BackendError{Backend: g.Name(), Err: err}
	}
	g.logger.Debug().Dur("elapsed", time.Since(start)).Int("chars", len(text)).Msg("backend call ok")
	return text, nil
}
