// Package server provides the HTTP surface of the router: the
// OpenAI-compatible data plane and the management API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// ginModeOnce ensures gin.SetMode is called once across servers.
var ginModeOnce sync.Once

// Server is the router's HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	registry   *backend.Registry
	cfg        config.ServerConfig
	logger     observability.Logger

	mu      sync.Mutex
	running bool
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer assembles the HTTP server with its middleware chain, the data
// plane, and the admin API.
func NewServer(cfg config.ServerConfig, registry *backend.Registry, dataPlane *DataPlane, admin *Admin, opts ...ServerOption) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		registry: registry,
		cfg:      cfg,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(
		RequestIDMiddleware(),
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		RateLimitMiddleware(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, s.logger),
	)

	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/readyz", s.readyz)

	dataPlane.Register(s.engine)
	admin.Register(s.engine.Group("/api/v1"))

	return s
}

// Engine returns the underlying gin engine, used by tests to drive the
// handler without a listener.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the listener until the context is canceled or Stop is called.
// It blocks.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout),
		WriteTimeout: time.Duration(s.cfg.WriteTimeout),
		IdleTimeout:  time.Duration(s.cfg.IdleTimeout),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", addr),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.httpServer == nil {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	return srv.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz reports ready when at least one backend can take traffic.
func (s *Server) readyz(c *gin.Context) {
	if len(s.registry.Selectable()) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no backend available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
