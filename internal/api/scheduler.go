// scheduler.go exposes the operational entry points: enqueueing cleanup work
// and the scheduler-triggered expiry sweep and job drain. The sweep and drain
// are single-flight inside their components; a trigger that lands while a
// previous run is still going returns success without doing anything.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classml/classml/internal/db/models"
)

// cleanupRequest enqueues one deferred cleanup job. Type is the job type
// name; Spec is the payload locating the object(s) to delete, validated at
// drain time against the shape the type expects.
type cleanupRequest struct {
	Type string          `json:"type" binding:"required"`
	Spec json.RawMessage `json:"spec" binding:"required"`
}

func cleanupHandler(runner jobRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cleanupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cleanup request"})
			return
		}

		jobType, ok := models.ParseJobType(req.Type)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown cleanup job type"})
			return
		}

		if err := runner.Enqueue(c.Request.Context(), jobType, req.Spec); err != nil {
			slog.Error("enqueueing cleanup job", "type", req.Type, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue cleanup job"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"status": "queued"})
	}
}

// poisonJob is the operator view of one parked job.
type poisonJob struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Spec        json.RawMessage `json:"spec"`
	Attempts    int             `json:"attempts"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
	CreatedAt   time.Time       `json:"created"`
}

func poisonListHandler(lister poisonLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := lister.ListPoison(c.Request.Context())
		if err != nil {
			slog.Error("listing poison jobs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list poison jobs"})
			return
		}

		out := make([]poisonJob, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, poisonJob{
				ID:          job.ID,
				Type:        job.Type.String(),
				Spec:        job.Payload,
				Attempts:    job.Attempts,
				LastAttempt: job.LastAttempt,
				CreatedAt:   job.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func expirySweepHandler(manager lifecycleManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := manager.ExpireSweep(c.Request.Context()); err != nil {
			slog.Error("expiry sweep failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Expiry sweep failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	}
}

func drainHandler(runner jobRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := runner.Drain(c.Request.Context()); err != nil {
			slog.Error("job drain failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Job drain halted"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	}
}
