// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/guardrail/services/guardrail/monitor"
	"github.com/AleutianAI/guardrail/services/guardrail/telemetry"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds diagnostics server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string

	// ServiceName labels the otelgin spans.
	ServiceName string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// MetricsHandler serves /metrics. Nil uses telemetry.MetricsHandler,
	// falling back to promhttp.Handler.
	MetricsHandler http.Handler

	// Logger for lifecycle messages. Nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8090",
		ServiceName:     "guardrail-diagnostics",
		ShutdownTimeout: 5 * time.Second,
	}
}

// =============================================================================
// Server
// =============================================================================

// Server exposes monitor reports, live session snapshots, metrics and a
// violation event stream over HTTP.
//
// # Description
//
// Routes:
//
//	GET /health                  liveness plus monitor pipeline status
//	GET /report                  rolling performance report
//	GET /report/history?limit=N  recent finished session reports
//	GET /sessions                snapshots of live sessions
//	GET /sessions/:id/snapshot   snapshot of one live session
//	GET /metrics                 Prometheus exposition
//	GET /events                  websocket stream of violations and sessions
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	router   *gin.Engine
	monitor  *monitor.Monitor
	sessions *SessionRegistry
	hub      *Hub
}

// NewServer creates a server and registers its routes.
//
// # Inputs
//
//   - cfg: Server configuration. Zero fields use DefaultConfig values.
//   - mon: Monitor whose reports are served. Must not be nil.
//   - sessions: Live session registry. Nil creates an empty one.
//   - hub: Event hub for /events. Nil creates one with default buffers.
//
// # Outputs
//
//   - *Server: The configured server. Call Run to serve.
func NewServer(cfg Config, mon *monitor.Monitor, sessions *SessionRegistry, hub *Hub) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = telemetry.MetricsHandler()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	if hub == nil {
		hub = NewHub(0, cfg.Logger)
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "guardrail_diagnostics")),
		monitor:  mon,
		sessions: sessions,
		hub:      hub,
	}
	s.initRouter()
	return s
}

// Router returns the underlying Gin engine for testing.
func (s *Server) Router() *gin.Engine { return s.router }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Sessions returns the live session registry.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// Run serves until ctx is done, then shuts down gracefully.
//
// # Outputs
//
//   - error: Non-nil if the listener fails or shutdown times out.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting diagnostics server", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("diagnostics server: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown diagnostics server: %w", err)
	}
	s.logger.Info("Diagnostics server stopped")
	return nil
}

func (s *Server) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.cfg.ServiceName))

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/report", s.handleReport)
	s.router.GET("/report/history", s.handleHistory)
	sessions := s.router.Group("/sessions")
	{
		sessions.GET("", s.handleSessions)
		sessions.GET("/:id/snapshot", s.handleSnapshot)
	}
	s.router.GET("/metrics", gin.WrapH(s.cfg.MetricsHandler))
	s.router.GET("/events", gin.WrapH(s.hub))
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"monitor":     s.monitor.Status(),
		"sessions":    s.sessions.Len(),
		"subscribers": s.hub.Clients(),
	})
}

func (s *Server) handleReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.GetReport())
}

func (s *Server) handleHistory(c *gin.Context) {
	history := s.monitor.History()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"reports": history, "count": len(history)})
}

func (s *Server) handleSessions(c *gin.Context) {
	snaps := s.sessions.Snapshots()
	c.JSON(http.StatusOK, gin.H{"sessions": snaps, "count": len(snaps)})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": id})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}
