package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for notifications
type Handler struct {
	store Store
}

// NewHandler creates a new notification handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up notification routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkRead)
}

// List handles GET /notifications
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	unreadOnly := c.Query("unread") == "true"

	notifications, err := h.store.List(c.Request.Context(), unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}
	if notifications == nil {
		notifications = []*Notification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkRead handles POST /notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.MarkRead(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Notification not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "read": true})
}
