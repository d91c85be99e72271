// Package api serves the crawler's operational HTTP endpoints: the
// Prometheus exposition, liveness and health probes, and a JSON view of the
// running sweep.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/metrics"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second
)

// Health status values.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// StatusSource exposes the running sweep.
type StatusSource interface {
	Snapshot() scanning.Snapshot
}

// Server represents the operational HTTP server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.MetricsConfig
	database   HealthChecker
	sweep      StatusSource
	metrics    *metrics.PrometheusMetrics
	logger     *logging.Logger
	startTime  time.Time
}

// New creates a server. database and sweep may be nil; the corresponding
// endpoints then report "not configured".
func New(cfg config.MetricsConfig, pm *metrics.PrometheusMetrics, database HealthChecker,
	sweep StatusSource, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	s := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		database:  database,
		sweep:     sweep,
		metrics:   pm,
		logger:    logger.WithComponent("api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, fmt.Sprint(cfg.Port)),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"metrics_path", s.config.Path)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetAddress returns the listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Handle(s.config.Path, promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{
			ErrorLog: promErrorLogger{s.logger},
		})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/liveness", s.livenessHandler).Methods(http.MethodGet)
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	))
	s.router.Use(func(next http.Handler) http.Handler {
		return handlers.CustomLoggingHandler(io.Discard, next, s.logRequest)
	})
}

// logRequest sends access log lines to the structured logger.
func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug("HTTP request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote_addr", p.Request.RemoteAddr,
		"duration", time.Since(p.TimeStamp).String())
}

// LivenessResponse is returned by /api/v1/liveness.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// HealthResponse is returned by /api/v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse is returned by /api/v1/status.
type StatusResponse struct {
	SweepID     string            `json:"sweep_id"`
	Mode        string            `json:"mode"`
	Phase       string            `json:"phase"`
	Pass        uint64            `json:"pass"`
	Cursor      uint64            `json:"cursor"`
	Total       uint64            `json:"total"`
	Progress    float64           `json:"progress"`
	Attempted   uint64            `json:"attempted"`
	Succeeded   uint64            `json:"succeeded"`
	Failed      uint64            `json:"failed"`
	ByOutcome   map[string]uint64 `json:"by_outcome"`
	SinkWritten uint64            `json:"sink_written"`
	SinkFailed  uint64            `json:"sink_failed"`
	Elapsed     string            `json:"elapsed"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	s.WriteJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := StatusHealthy
	checks := make(map[string]string)

	if s.database != nil {
		if err := s.database.Ping(ctx); err != nil {
			status = StatusUnhealthy
			checks["database"] = "failed: " + err.Error()
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = StatusNotConfigured
	}

	if s.sweep != nil {
		checks["sweep"] = s.sweep.Snapshot().Phase.String()
	} else {
		checks["sweep"] = StatusNotConfigured
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	s.WriteJSON(w, r, statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if s.sweep == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("no sweep is running"))
		return
	}
	s.WriteJSON(w, r, http.StatusOK, newStatusResponse(s.sweep.Snapshot()))
}

func newStatusResponse(snap scanning.Snapshot) StatusResponse {
	resp := StatusResponse{
		SweepID:     snap.ID,
		Mode:        snap.Mode.String(),
		Phase:       snap.Phase.String(),
		Pass:        snap.Pass,
		Cursor:      snap.Cursor,
		Total:       snap.Total,
		Attempted:   snap.Attempted,
		Succeeded:   snap.Succeeded,
		Failed:      snap.Failed,
		ByOutcome:   make(map[string]uint64, len(snap.ByOutcome)),
		SinkWritten: snap.SinkWritten,
		SinkFailed:  snap.SinkFailed,
		Elapsed:     snap.Elapsed.Round(time.Second).String(),
		Timestamp:   time.Now().UTC(),
	}
	if snap.Total > 0 {
		resp.Progress = float64(snap.Cursor) / float64(snap.Total)
	}
	for kind, n := range snap.ByOutcome {
		resp.ByOutcome[kind.String()] = n
	}
	return resp
}

// WriteJSON writes a JSON response.
func (s *Server) WriteJSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Warn("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err)

	s.WriteJSON(w, r, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

type recoveryLogger struct {
	logger *logging.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("Panic in HTTP handler", "panic", fmt.Sprint(v...))
}

type promErrorLogger struct {
	logger *logging.Logger
}

func (l promErrorLogger) Println(v ...any) {
	l.logger.Error("Metrics exposition failed", "error", fmt.Sprint(v...))
}
