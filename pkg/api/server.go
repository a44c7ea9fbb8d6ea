// Package api exposes the worker's HTTP health surface. It is a thin
// observability wrapper around the pool: the core remains a library with
// no synchronous error surface of its own.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/asdlc-io/substrate/pkg/version"
	"github.com/asdlc-io/substrate/pkg/worker"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// Server serves the health and readiness endpoints.
type Server struct {
	pool *worker.Pool
	rdb  *redis.Client
}

// NewServer creates the API server around a running pool.
func NewServer(pool *worker.Pool, rdb *redis.Client) *Server {
	return &Server{pool: pool, rdb: rdb}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler)
	return r
}

// healthHandler reports pool state and counters. Only the worker's own
// components are checked; agent backends are excluded so an unhealthy
// external service cannot get the worker restarted.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	stats := s.pool.Stats()
	status := healthStatusHealthy
	httpStatus := http.StatusOK

	redisStatus := healthStatusHealthy
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		redisStatus = healthStatusUnhealthy
		status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}
	if status == healthStatusHealthy && stats.State != worker.StateRunning {
		status = healthStatusDegraded
	}

	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.Full(),
		"redis":   redisStatus,
		"pool":    stats,
		// Soft value: degrades to 0 when the backend is unreachable.
		"pending": s.pool.PendingCount(ctx),
	})
}

// readyHandler reports readiness: the pool must be running and the event
// log reachable.
func (s *Server) readyHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
		return
	}
	if s.pool.Stats().State != worker.StateRunning {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
