// Package api exposes the engine over HTTP: workflow submission and status,
// service health, and key-pool health. Built on gin with request logging and
// token-bucket rate limiting in front of every route.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantforge/quantforge/pkg/config"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/version"
)

// WorkflowService is the orchestrator surface the API depends on.
type WorkflowService interface {
	// Submit validates and registers the list, returning the workflow id.
	Submit(ctx context.Context, list *models.TodoList) (string, error)

	// Status returns the runtime state snapshot.
	Status(workflowID string) (*models.WorkflowState, error)
}

// KeyHealthProvider exposes the key pool's health snapshot.
type KeyHealthProvider interface {
	GetHealthStatus() map[string]models.KeyHealth
}

// HealthChecker reports one named component's availability.
type HealthChecker interface {
	Name() string
	Healthy(ctx context.Context) error
}

// Check builds a HealthChecker from a function.
func Check(name string, fn func(ctx context.Context) error) HealthChecker {
	return &funcChecker{name: name, fn: fn}
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func (c *funcChecker) Name() string                      { return c.name }
func (c *funcChecker) Healthy(ctx context.Context) error { return c.fn(ctx) }

// Server is the HTTP API server.
type Server struct {
	cfg       config.ServerConfig
	workflows WorkflowService
	keys      KeyHealthProvider
	checkers  []HealthChecker

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires routes and middleware. keys may be nil in single-key mode.
func NewServer(cfg config.ServerConfig, workflows WorkflowService, keys KeyHealthProvider, checkers ...HealthChecker) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), rateLimiter(cfg.UserRPMDefault, cfg.GlobalRPMMax))

	s := &Server{
		cfg:       cfg,
		workflows: workflows,
		keys:      keys,
		checkers:  checkers,
		engine:    engine,
	}

	v1 := engine.Group("/api/v1")
	v1.POST("/workflows", s.createWorkflow)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.GET("/health", s.health)
	v1.GET("/keys/health", s.keysHealth)
	return s
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the server until the context is canceled, then drains with a
// 10s grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API listening", "addr", addr, "version", version.Full())
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("HTTP API stopped")
	return nil
}
