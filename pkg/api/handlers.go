package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/orchestrator"
	"github.com/quantforge/quantforge/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// createWorkflow handles POST /api/v1/workflows: a TodoList in, a workflow
// id out. Execution is asynchronous; poll the status endpoint.
func (s *Server) createWorkflow(c *gin.Context) {
	var list models.TodoList
	if err := c.ShouldBindJSON(&list); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	workflowID, err := s.workflows.Submit(c.Request.Context(), &list)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidTodoList) || errors.Is(err, orchestrator.ErrCyclicDeps) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Workflow submission failed", "error", err,
			"correlation_id", c.GetString(contextKeyCorrelationID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"workflow_id": workflowID})
}

// getWorkflow handles GET /api/v1/workflows/:id.
func (s *Server) getWorkflow(c *gin.Context) {
	state, err := s.workflows.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		slog.Error("Workflow status lookup failed", "error", err,
			"correlation_id", c.GetString(contextKeyCorrelationID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// health handles GET /api/v1/health: aggregated component availability.
// Minimal and unauthenticated; no configuration details are exposed.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	checks := make(map[string]string, len(s.checkers))
	for _, checker := range s.checkers {
		if err := checker.Healthy(ctx); err != nil {
			status = healthStatusUnhealthy
			checks[checker.Name()] = err.Error()
		} else {
			checks[checker.Name()] = healthStatusHealthy
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.GitCommit,
		"checks":  checks,
	})
}

// keysHealth handles GET /api/v1/keys/health. The snapshot contains counts
// and cooldown state only, never key material.
func (s *Server) keysHealth(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusOK, gin.H{"mode": "single-key", "keys": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": "multi-key", "keys": s.keys.GetHealthStatus()})
}
