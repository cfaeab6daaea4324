// Package server exposes the HTTP trigger API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/breeze-rmm/meetbot/internal/agent"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/health"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
	"github.com/breeze-rmm/meetbot/internal/secmem"
)

var log = logging.L("server")

const (
	maxBodyBytes    = 64 * 1024
	defaultRunLimit = 50
	readTimeout     = 30 * time.Second
	idleTimeout     = 2 * time.Minute
)

// Runs is the part of the agent the API drives.
type Runs interface {
	Submit(req orchestrator.Request) (*orchestrator.RunResult, error)
	RunSync(ctx context.Context, req orchestrator.Request) (*orchestrator.RunResult, error)
	Cancel(id string) (*orchestrator.RunResult, error)
	Status(id string) (*orchestrator.RunResult, error)
	List(limit int) ([]*orchestrator.RunResult, error)
	HealthMonitor() *health.Monitor
}

type Server struct {
	addr    string
	runs    Runs
	apiKey  *secmem.SecureString
	metrics http.Handler
	router  chi.Router
}

// New builds the router. metricsHandler may be nil to disable /metrics.
func New(cfg *config.Config, runs Runs, metricsHandler http.Handler) *Server {
	s := &Server{
		addr:    cfg.ListenAddr,
		runs:    runs,
		metrics: metricsHandler,
	}
	if cfg.APIKey != "" {
		s.apiKey = secmem.NewSecureString(cfg.APIKey)
	}
	s.setupRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/join-meet", s.handleLegacyJoin)
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/join-meeting", s.handleJoin)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Delete("/runs/{runID}", s.handleCancelRun)
		})
	})
	s.router = r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != nil && !s.apiKey.Matches(r.Header.Get("X-API-Key")) {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"requestId", middleware.GetReqID(r.Context()),
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps agent errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case agent.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrBusy), errors.Is(err, agent.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrFinished):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mon := s.runs.HealthMonitor()
	status := http.StatusOK
	if mon.Overall() == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, mon.Summary())
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var p agent.JoinPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if !p.Wait {
		res, err := s.runs.Submit(p.Request())
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		w.Header().Set("Location", "/api/v1/runs/"+res.ID)
		writeJSON(w, http.StatusAccepted, res)
		return
	}

	res, err := s.runs.RunSync(r.Context(), p.Request())
	if err != nil {
		if res != nil && errors.Is(err, r.Context().Err()) {
			// Client went away; the run continues.
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLegacyJoin serves GET /join-meet?meetId=<code>.
func (s *Server) handleLegacyJoin(w http.ResponseWriter, r *http.Request) {
	meetID := r.URL.Query().Get("meetId")
	if meetID == "" {
		writeError(w, http.StatusBadRequest, "Missing 'meetId' in query parameters.")
		return
	}
	res, err := s.runs.Submit(orchestrator.Request{MeetingID: meetID})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": fmt.Sprintf("Attempting to join the meeting with ID: %s", res.MeetingID),
		"runId":   res.ID,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*orchestrator.RunResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.runs.Status(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.runs.Cancel(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
