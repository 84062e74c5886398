package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/repository"
	"gorm.io/gorm"
)

const maxPageSize = 500

// ItemHandler serves individual item states.
type ItemHandler struct {
	items *repository.ItemStateRepository
}

// NewItemHandler creates a new item handler.
// Parameters:
//   - items: item state repository.
// Returns:
//   - *ItemHandler: initialized handler.
func NewItemHandler(items *repository.ItemStateRepository) *ItemHandler {
	return &ItemHandler{items: items}
}

// ListItems handles GET /api/v1/items?status=&limit=&offset=.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ItemHandler) ListItems(c *gin.Context) {
	status := domain.ItemStatus(c.Query("status"))
	if status != "" && !knownStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown status: " + string(status),
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > maxPageSize {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	items, err := h.items.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list items: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// GetItem handles GET /api/v1/items/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ItemHandler) GetItem(c *gin.Context) {
	id := c.Param("id")
	state, err := h.items.GetByID(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Item not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load item: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, state)
}

func knownStatus(s domain.ItemStatus) bool {
	for _, known := range domain.AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}
