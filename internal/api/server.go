package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/browser"
	"github.com/JakeFAU/news-crawler/internal/frontier"
	"github.com/JakeFAU/news-crawler/internal/metrics"
	"github.com/JakeFAU/news-crawler/internal/orchestrator"
	"github.com/JakeFAU/news-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/news-crawler/internal/progress"
	"github.com/JakeFAU/news-crawler/internal/state"
	"github.com/JakeFAU/news-crawler/internal/store"
)

const requestTimeout = 30 * time.Second

// StatusSource reports orchestrator state.
type StatusSource interface {
	Status() orchestrator.Status
}

// FrontierSource reports queue statistics.
type FrontierSource interface {
	Stats() frontier.Stats
}

// PoolSource reports browser pool occupancy.
type PoolSource interface {
	Stats() browser.Stats
}

// LimiterSource reports per-domain politeness state.
type LimiterSource interface {
	Stats() []ratelimit.DomainState
}

// HubSource reports progress hub counters.
type HubSource interface {
	Stats() progress.HubStats
}

// SummarySource builds the state store summary.
type SummarySource interface {
	GetSummary() state.Summary
}

// Options wires a Server. Nil sources are omitted from responses; a nil
// Orchestrator makes /readyz report unavailable.
type Options struct {
	Orchestrator StatusSource
	Frontier     FrontierSource
	Pool         PoolSource
	Limiter      LimiterSource
	Hub          HubSource
	Summary      SummarySource
	Runs         store.RunRepository
	Logger       *zap.Logger
}

// Server serves the operator API.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	runs := NewRunHandler(opts.Runs, logger)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/summary", s.summary)
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/", runs.GetRun)
			r.Get("/domains", runs.ListDomains)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx is canceled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, port int, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve status api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status api: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	st := s.opts.Orchestrator.Status()
	if st.State == orchestrator.StateStopped {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(st.State)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(st.State)})
}

type statusResponse struct {
	Orchestrator *orchestrator.Status   `json:"orchestrator,omitempty"`
	Frontier     *frontier.Stats        `json:"frontier,omitempty"`
	Pool         *browser.Stats         `json:"pool,omitempty"`
	Limiter      []ratelimit.DomainState `json:"limiter,omitempty"`
	Progress     *progress.HubStats     `json:"progress,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	var resp statusResponse
	if s.opts.Orchestrator != nil {
		st := s.opts.Orchestrator.Status()
		resp.Orchestrator = &st
	}
	if s.opts.Frontier != nil {
		st := s.opts.Frontier.Stats()
		resp.Frontier = &st
	}
	if s.opts.Pool != nil {
		st := s.opts.Pool.Stats()
		resp.Pool = &st
	}
	if s.opts.Limiter != nil {
		resp.Limiter = s.opts.Limiter.Stats()
	}
	if s.opts.Hub != nil {
		st := s.opts.Hub.Stats()
		resp.Progress = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Summary == nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Summary.GetSummary())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
