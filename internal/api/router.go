// Package api wires together all HTTP routes for the training orchestration
// service.
//
// Route grouping philosophy:
//   - /api/ routes are the student-facing surface used by the web frontend
//     and the block-based coding tools. Scratch routes authenticate by
//     capability: possession of a valid scratch key is the credential.
//   - /internal/ routes are operational entry points (cleanup enqueue, the
//     scheduler's expiry sweep and job drain triggers) and require a signed
//     scheduler token.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/classml/classml/internal/backend"
	"github.com/classml/classml/internal/config"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/middleware"
)

// lifecycleManager is the slice of the lifecycle manager the handlers use.
type lifecycleManager interface {
	Train(ctx context.Context, project *models.Project, payload json.RawMessage) (*models.ClassifierRecord, error)
	Status(ctx context.Context, project *models.Project) (models.ClassifierStatus, error)
	ExpireSweep(ctx context.Context) error
}

// scratchBinder is the slice of the scratch-key binder the handlers use.
type scratchBinder interface {
	Resolve(ctx context.Context, keyID string) (*models.ScratchKey, error)
	Classify(ctx context.Context, keyID, input string) ([]backend.Classification, error)
}

// jobRunner enqueues and drains deferred cleanup jobs.
type jobRunner interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any) error
	Drain(ctx context.Context) error
}

// poisonLister exposes parked jobs for operator inspection.
type poisonLister interface {
	ListPoison(ctx context.Context) ([]*models.PendingJob, error)
}

type projectSource interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

type storageProbe interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Deps carries the wired components the router serves. Everything is an
// interface so handler tests run against in-memory fakes.
type Deps struct {
	DB        *sql.DB
	Objects   storageProbe
	Projects  projectSource
	Lifecycle lifecycleManager
	Scratch   scratchBinder
	Jobs      jobRunner
	Poison    poisonLister
	// Redis is optional; nil selects the in-process rate limiter fallback.
	Redis *redis.Client
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(deps.DB))

	// Readiness check endpoint (includes storage backend probe)
	router.GET("/ready", readinessHandler(deps.DB, deps.Objects))

	// Student-facing API. Requests are throttled per tenant so one classroom
	// cannot starve another; the key func resolves the tenant from the route
	// before the limiter runs.
	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.RateLimitMiddleware(cfg.Security.RateLimiting, deps.Redis, tenantKey(deps.Scratch, deps.Projects)))
	{
		apiGroup.POST("/projects/:projectid/models", trainHandler(deps.Projects, deps.Lifecycle))
		apiGroup.GET("/scratch/:scratchkey/status", scratchStatusHandler(deps.Scratch, deps.Projects, deps.Lifecycle))
		apiGroup.POST("/scratch/:scratchkey/classify", scratchClassifyHandler(deps.Scratch))
	}

	// Operational entry points, gated by the scheduler token
	internalGroup := router.Group("/internal")
	internalGroup.Use(middleware.SchedulerAuthMiddleware(cfg.Security.SchedulerTokenSecret))
	{
		internalGroup.POST("/cleanup", cleanupHandler(deps.Jobs))
		internalGroup.GET("/jobs/poison", poisonListHandler(deps.Poison))
		internalGroup.POST("/scheduler/expiry-sweep", expirySweepHandler(deps.Lifecycle))
		internalGroup.POST("/scheduler/drain", drainHandler(deps.Jobs))
	}

	return router
}

// tenantKey builds the rate-limit key func for the student-facing routes.
// Scratch routes derive the tenant from the key, project routes from the
// project record. Whole classrooms often sit behind one NAT address, so the
// per-IP fallback only applies when the tenant cannot be resolved at all.
func tenantKey(scratch scratchBinder, projects projectSource) middleware.TenantKeyFunc {
	return func(c *gin.Context) string {
		if keyID := c.Param("scratchkey"); keyID != "" {
			if key, err := scratch.Resolve(c.Request.Context(), keyID); err == nil {
				c.Set("tenant_id", key.TenantID)
			}
		} else if projectID := c.Param("projectid"); projectID != "" {
			if project, err := projects.GetProject(c.Request.Context(), projectID); err == nil && project != nil {
				c.Set("tenant_id", project.TenantID)
			}
		}
		return middleware.DefaultTenantKey(c)
	}
}

// healthCheckHandler returns the health status of the service.
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the object store so
// that a Kubernetes readiness gate fails when media deletes would error.
func readinessHandler(db *sql.DB, objects storageProbe) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent sentinel path. Exists() exercises
		// authentication and connectivity without creating any state.
		if _, err := objects.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "object store not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// LoggerMiddleware provides structured request logging.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
		)
	}
}
