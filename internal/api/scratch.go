// scratch.go serves the simplified API used by the block-based coding tools.
// Possession of a valid scratch key is the only credential; unknown keys get
// a hard 404 so a revoked or mistyped key is distinguishable from a known key
// whose project simply has no trained model yet.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/scratch"
)

// Scratch status codes surfaced to the coding tools. The tools only need to
// know whether classify calls will answer from a trained model.
const (
	scratchStatusUntrained = 0
	scratchStatusTraining  = 1
	scratchStatusAvailable = 2
)

type classifyRequest struct {
	Data string `json:"data" binding:"required"`
}

func scratchStatusHandler(binder scratchBinder, projects projectSource, manager lifecycleManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.Param("scratchkey")

		key, err := binder.Resolve(c.Request.Context(), keyID)
		if err != nil {
			if errors.Is(err, scratch.ErrKeyNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Scratch key not found"})
				return
			}
			slog.Error("resolving scratch key", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check status"})
			return
		}

		// An unbound key means untrained; no need to load the project or
		// probe the backend.
		if !key.Trained() {
			c.JSON(http.StatusOK, gin.H{
				"status": scratchStatusUntrained,
				"msg":    "No models trained yet - only random answers can be chosen",
			})
			return
		}

		project, err := projects.GetProject(c.Request.Context(), key.ProjectID)
		if err != nil || project == nil {
			slog.Error("loading project for scratch status", "project", key.ProjectID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check status"})
			return
		}

		status, err := manager.Status(c.Request.Context(), project)
		if err != nil {
			slog.Error("probing classifier status", "project", key.ProjectID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check status"})
			return
		}

		c.JSON(http.StatusOK, scratchStatusBody(status))
	}
}

// scratchStatusBody collapses the classifier status onto the three-value
// scale the coding tools understand.
func scratchStatusBody(status models.ClassifierStatus) gin.H {
	switch status {
	case models.StatusAvailable:
		return gin.H{"status": scratchStatusAvailable, "msg": "Ready"}
	case models.StatusTraining:
		return gin.H{"status": scratchStatusTraining, "msg": "Model not ready yet"}
	case models.StatusFailed:
		return gin.H{"status": scratchStatusUntrained, "msg": "Model failed to train"}
	default:
		return gin.H{"status": scratchStatusUntrained, "msg": "No models trained yet - only random answers can be chosen"}
	}
}

func scratchClassifyHandler(binder scratchBinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.Param("scratchkey")

		var req classifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing data to classify"})
			return
		}

		results, err := binder.Classify(c.Request.Context(), keyID, req.Data)
		if err != nil {
			if errors.Is(err, scratch.ErrKeyNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Scratch key not found"})
				return
			}
			slog.Error("classify failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to classify data"})
			return
		}

		c.JSON(http.StatusOK, results)
	}
}
