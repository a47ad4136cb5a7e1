package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/quantforge/quantforge/pkg/models"
)

// Correlation id header; generated when the caller does not supply one.
const headerCorrelationID = "X-Correlation-ID"

// headerUserID keys the per-user rate bucket; absent means "anonymous".
const headerUserID = "X-User-ID"

const contextKeyCorrelationID = "correlation_id"

// requestLogger attaches a correlation id to every request and logs one
// line per request with method, path, status, and latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(headerCorrelationID)
		if correlationID == "" {
			correlationID = models.NewCorrelationID()
		}
		c.Set(contextKeyCorrelationID, correlationID)
		c.Header(headerCorrelationID, correlationID)

		start := time.Now()
		c.Next()

		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlationID)
	}
}

// rateLimiter enforces a global token bucket plus one bucket per user id.
// Limits are requests per minute; burst equals the per-minute allowance so
// short spikes inside the budget are not rejected.
func rateLimiter(userRPM, globalRPM int) gin.HandlerFunc {
	global := rate.NewLimiter(rate.Limit(float64(globalRPM)/60), globalRPM)

	var mu sync.Mutex
	users := make(map[string]*rate.Limiter)
	userLimiter := func(userID string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		limiter, ok := users[userID]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(float64(userRPM)/60), userRPM)
			users[userID] = limiter
		}
		return limiter
	}

	return func(c *gin.Context) {
		userID := c.GetHeader(headerUserID)
		if userID == "" {
			userID = "anonymous"
		}
		if !userLimiter(userID).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "user rate limit exceeded",
			})
			return
		}
		if !global.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "global rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
