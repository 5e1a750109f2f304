// Package server exposes the admin HTTP surface: health, store statistics,
// per-user facts and data erasure.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/scheduler"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

const (
	defaultFactLimit = 50
	maxFactLimit     = 500
)

// UserClearer erases a user's data and drops any cached context for them.
type UserClearer interface {
	ClearUser(ctx context.Context, userID string) (storage.ClearResult, error)
}

// Options are the collaborators and settings of the admin server. Queue,
// Maintenance and Breakers are optional.
type Options struct {
	Store       storage.MemoryStore
	Clearer     UserClearer
	Queue       interface{ QueueLength() int }
	Maintenance interface{ Status() scheduler.Status }
	Breakers    map[string]*llm.CircuitBreaker

	RequireAuth       bool
	APIToken          string
	RequestsPerSecond float64
	Burst             int
}

// Server is the admin HTTP server.
type Server struct {
	opts    Options
	handler http.Handler
	logger  zerolog.Logger
	started time.Time
}

// New builds the server and its routes.
func New(opts Options, logger zerolog.Logger) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.Clearer == nil {
		return nil, fmt.Errorf("server: clearer is required")
	}
	s := &Server{
		opts:    opts,
		logger:  logger.With().Str("component", "admin_server").Logger(),
		started: time.Now(),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/stats", s.getStats)
	apiMux.HandleFunc("GET /api/users/{id}/facts", s.getFacts)
	apiMux.HandleFunc("DELETE /api/users/{id}", s.deleteUser)

	mux := http.NewServeMux()
	// Health needs no auth; it is used by monitoring.
	mux.HandleFunc("GET /api/health", s.health)
	mux.Handle("/api/", requireAuth(apiMux, opts.RequireAuth, opts.APIToken))

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	s.handler = securityHeadersMiddleware(rateLimitMiddleware(mux, limiter))
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr and serves until ctx is done, then shuts down
// gracefully. It returns the bound address, which differs from addr when the
// port is 0.
func (s *Server) Start(ctx context.Context, addr string) (string, <-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("shutdown error")
		}
	}()

	actual := listener.Addr().String()
	s.logger.Info().Str("addr", actual).Bool("auth", s.opts.RequireAuth).Msg("admin server listening")
	return actual, done, nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Store       storage.Stats                        `json:"store"`
	QueueLength *int                                 `json:"queue_length,omitempty"`
	Maintenance *scheduler.Status                    `json:"maintenance,omitempty"`
	Backends    map[string]llm.CircuitBreakerMetrics `json:"backends,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.Stats(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("stats failed")
		respondError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}

	resp := StatsResponse{Store: stats}
	if s.opts.Queue != nil {
		n := s.opts.Queue.QueueLength()
		resp.QueueLength = &n
	}
	if s.opts.Maintenance != nil {
		st := s.opts.Maintenance.Status()
		resp.Maintenance = &st
	}
	if len(s.opts.Breakers) > 0 {
		resp.Backends = make(map[string]llm.CircuitBreakerMetrics, len(s.opts.Breakers))
		for name, cb := range s.opts.Breakers {
			resp.Backends[name] = cb.Metrics()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// FactsResponse is the body of GET /api/users/{id}/facts.
type FactsResponse struct {
	UserID string             `json:"user_id"`
	Facts  []types.MemoryFact `json:"facts"`
	Count  int                `json:"count"`
}

func (s *Server) getFacts(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	limit := defaultFactLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFactLimit)
	}

	facts, err := s.opts.Store.GetFacts(r.Context(), userID, limit)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("get facts failed")
		respondError(w, http.StatusInternalServerError, "failed to read facts")
		return
	}
	if facts == nil {
		facts = []types.MemoryFact{}
	}
	respondJSON(w, http.StatusOK, FactsResponse{UserID: userID, Facts: facts, Count: len(facts)})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	res, err := s.opts.Clearer.ClearUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("clear user failed")
		respondError(w, http.StatusInternalServerError, "failed to clear user")
		return
	}
	s.logger.Info().Str("user_id", userID).Int64("facts", res.Facts).Int64("turns", res.Turns).
		Int64("usage", res.Usage).Msg("user data cleared")
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "deleted": res})
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: http.StatusText(status)})
}
