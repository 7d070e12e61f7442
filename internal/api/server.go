// Package api exposes the HTTP surface: the device protocol endpoints
// under /v1, the operator endpoints under /api/v1, and /health.
//
// Device endpoints speak the wire protocol directly. Operator endpoints
// wrap their payloads in the unified response envelope and sit behind
// the auth middleware.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dive-control/dcs/internal/ascent"
	"github.com/dive-control/dcs/internal/auth"
	"github.com/dive-control/dcs/internal/descent"
	"github.com/dive-control/dcs/internal/ingest"
	"github.com/dive-control/dcs/internal/queue"
	"github.com/dive-control/dcs/internal/store"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server

	store      *store.Store
	ingestor   *ingest.Ingestor
	gatekeeper *descent.Gatekeeper
	finalizer  *ascent.Finalizer
	queue      *queue.Queue
	authMW     *auth.Middleware

	onlineThreshold time.Duration
	startTime       time.Time
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
}

// Config bundles the server's collaborators and timeouts.
type Config struct {
	Store      *store.Store
	Ingestor   *ingest.Ingestor
	Gatekeeper *descent.Gatekeeper
	Finalizer  *ascent.Finalizer
	Queue      *queue.Queue
	AuthMW     *auth.Middleware

	OnlineThreshold time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	return &Server{
		store:           cfg.Store,
		ingestor:        cfg.Ingestor,
		gatekeeper:      cfg.Gatekeeper,
		finalizer:       cfg.Finalizer,
		queue:           cfg.Queue,
		authMW:          cfg.AuthMW,
		onlineThreshold: cfg.OnlineThreshold,
		startTime:       time.Now(),
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		idleTimeout:     cfg.IdleTimeout,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	// Device protocol
	v1 := r.Group("/v1")
	{
		v1.POST("/hb", s.handleHeartbeat)
		v1.POST("/descent_check", s.handleDescentCheck)
		v1.POST("/ascent_notify", s.handleAscentNotify)
	}

	// Operator surface
	ops := r.Group("/api/v1")
	if s.authMW != nil {
		ops.Use(s.authMW.RequireAuth())
	}
	{
		read := ops.Group("")
		if s.authMW != nil {
			read.Use(s.authMW.RequireScope(auth.ScopeRead))
		}
		read.GET("/devices", s.handleListDevices)
		read.GET("/devices/:mid", s.handleGetDevice)
		read.GET("/devices/:mid/status", s.handleDeviceStatus)
		read.GET("/commands", s.handleListCommands)
		read.GET("/commands/:id", s.handleGetCommand)
		read.GET("/dives", s.handleListDives)
		read.GET("/dives/:id", s.handleGetDive)
		read.GET("/events", s.handleListEvents)
		read.GET("/telemetry/:mid/heartbeats", s.handleTelemetryHeartbeats)
		read.GET("/telemetry/:mid/latest", s.handleTelemetryLatest)
		read.GET("/telemetry/:mid/trajectory", s.handleTelemetryTrajectory)

		control := ops.Group("")
		if s.authMW != nil {
			control.Use(s.authMW.RequireScope(auth.ScopeControl))
		}
		control.POST("/commands", s.handleCreateCommand)
		control.POST("/admin/reset-db", s.handleResetDB)
	}

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}
