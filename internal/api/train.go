// train.go handles training submissions. Failed submissions answer with the
// lifecycle error's user message so the frontend can show students and
// teachers something actionable rather than a backend stack trace.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/db/repositories"
	"github.com/classml/classml/internal/lifecycle"
	"github.com/classml/classml/internal/pool"
)

// trainRequest is the POST body for a training submission. Data is passed
// through opaquely to the service-type backend.
type trainRequest struct {
	Data json.RawMessage `json:"data"`
}

type trainResponse struct {
	ClassifierID string `json:"classifierid"`
	Status       string `json:"status"`
	Expiry       string `json:"expiry"`
}

func trainHandler(projects projectSource, manager lifecycleManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectid")

		var req trainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		project, err := projects.GetProject(c.Request.Context(), projectID)
		if err != nil {
			slog.Error("loading project for training", "project", projectID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load project"})
			return
		}
		if project == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}

		rec, err := manager.Train(c.Request.Context(), project, req.Data)
		if err != nil {
			writeTrainError(c, project, err)
			return
		}

		c.JSON(http.StatusCreated, trainResponse{
			ClassifierID: rec.ClassifierID,
			Status:       string(rec.Status),
			Expiry:       rec.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// writeTrainError maps a training failure to an HTTP status and the
// user-facing message. Capacity and rate-limit failures are tenant problems
// and answer 409/429; everything unexpected is a 500.
func writeTrainError(c *gin.Context, project *models.Project, err error) {
	var trainErr *lifecycle.TrainError
	if errors.As(err, &trainErr) {
		status := http.StatusInternalServerError
		switch {
		case trainErr.ModelLost:
			status = http.StatusNotFound
		case trainErr.Kind == pool.KindRateLimited:
			status = http.StatusTooManyRequests
		case trainErr.Kind == pool.KindCapacityExhausted,
			trainErr.Kind == pool.KindCredentialsRejected:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": trainErr.UserMessage()})
		return
	}

	if errors.Is(err, repositories.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Another training request for this project is already in progress. Please try again.",
		})
		return
	}

	slog.Error("training failed", "project", project.ID, "tenant", project.TenantID, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Sorry, your machine learning model could not be trained."})
}
