package incident

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/validation"
)

// Handler provides HTTP endpoints for the incident lifecycle
type Handler struct {
	manager *Manager
}

// NewHandler creates a new incident handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up incident routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/incidents", h.List)
	r.GET("/incidents/:id", h.Get)
	r.GET("/incidents/:id/events", h.Events)
	r.POST("/incidents/:id/investigate", h.Investigate)
	r.POST("/incidents/:id/resolve", h.Resolve)
}

// List handles GET /incidents
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		Status:   Status(c.Query("status")),
		TargetID: c.Query("target_id"),
		Limit:    50,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}

	incidents, err := h.manager.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}
	if incidents == nil {
		incidents = []*Incident{}
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// Get handles GET /incidents/:id
func (h *Handler) Get(c *gin.Context) {
	inc, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Incident not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, inc)
}

// Events handles GET /incidents/:id/events
func (h *Handler) Events(c *gin.Context) {
	events, err := h.manager.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Incident not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "events_failed",
			"message": err.Error(),
		})
		return
	}
	if events == nil {
		events = []*review.ReviewEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Investigate handles POST /incidents/:id/investigate
func (h *Handler) Investigate(c *gin.Context) {
	inc, err := h.manager.Investigate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

// ResolveRequest closes an incident
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

// Resolve handles POST /incidents/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	note := validation.SanitizeString(req.Note, validation.MaxStringLength)

	inc, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), Resolution(req.Resolution), note)
	if err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *Handler) writeLifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Incident not found",
		})
	case errors.Is(err, ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "incident_terminal",
			"message": "Incident is already resolved and cannot change",
		})
	case errors.Is(err, ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrBadResolution):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resolution",
			"message": err.Error(),
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Incident was modified concurrently, retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "incident_update_failed",
			"message": err.Error(),
		})
	}
}
