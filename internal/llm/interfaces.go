// Package llm wraps the two text-generation services behind one Backend
// interface, with per-backend timeout, rate limit and circuit breaker.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyResponse is returned when a backend answers with no text.
	ErrEmptyResponse = errors.New("backend returned empty response")

	// ErrRateLimited is returned when the local limiter cannot admit a call
	// before the context deadline.
	ErrRateLimited = errors.New("backend rate limited")
)

// Request is one single-shot generation call. Zero values fall back to the
// backend's configured defaults.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Backend is one text-generation identity. Specialized variants share the
// same request and response shape.
type Backend interface {
	Invoke(ctx context.Context, req Request) (string, error)
	// Name is the logical endpoint ("fast", "reasoning", "regime_analysis").
	Name() string
	// Provider is the service behind it ("openai", "anthropic").
	Provider() string
}

// BackendError tags a failure with the backend that produced it.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ErrorKind maps an error to a short label for usage records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	default:
		return "error"
	}
}

// FuncBackend adapts a function to Backend.
type FuncBackend struct {
	ID       string
	Service  string
	Generate func(ctx context.Context, req Request) (string, error)
}

var _ Backend = (*FuncBackend)(nil)

func (f *FuncBackend) Invoke(ctx context.Context, req Request) (string, error) {
	return f.Generate(ctx, req)
}

func (f *FuncBackend) Name() string     { return f.ID }
func (f *FuncBackend) Provider() string { return f.Service }

// withTimeout derives the per-call context.
func withTimeout(ctx context.Context, req Request, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
