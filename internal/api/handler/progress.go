package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/repository"
)

// ProgressHandler serves run progress read from the progress store.
type ProgressHandler struct {
	items *repository.ItemStateRepository
	runs  *repository.RunRepository
}

// NewProgressHandler creates a new progress handler.
// Parameters:
//   - items: item state repository.
//   - runs: run repository.
// Returns:
//   - *ProgressHandler: initialized handler.
func NewProgressHandler(items *repository.ItemStateRepository, runs *repository.RunRepository) *ProgressHandler {
	return &ProgressHandler{items: items, runs: runs}
}

// ProgressResponse is the body of GET /api/v1/progress.
type ProgressResponse struct {
	Counts     domain.StatusCounts `json:"counts"`
	Total      int64               `json:"total"`
	Unfinished int64               `json:"unfinished"`
	Artifacts  int64               `json:"artifacts"`
	LatestRun  *domain.Run         `json:"latest_run,omitempty"`
}

// GetProgress handles GET /api/v1/progress.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ProgressHandler) GetProgress(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := h.items.CountByStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count items: " + err.Error(),
		})
		return
	}

	resp := ProgressResponse{
		Counts:     counts,
		Total:      counts.Total(),
		Unfinished: counts.Unfinished(),
	}
	// Summing output paths walks every done row; callers opt in.
	if c.Query("artifacts") == "true" {
		if resp.Artifacts, err = h.items.CountArtifacts(ctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to count artifacts: " + err.Error(),
			})
			return
		}
	}
	if resp.LatestRun, err = h.runs.GetLatest(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load latest run: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListRuns handles GET /api/v1/runs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ProgressHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 500 {
		limit = 20
	}
	runs, err := h.runs.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list runs: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}
