package review

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reviewguard/reviewguard/internal/pagination"
	"github.com/reviewguard/reviewguard/internal/validation"
)

// Handler provides read endpoints over the review record store
type Handler struct {
	store Store
}

// NewHandler creates a new review handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up review routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
	r.GET("/events/:id", h.GetEvent)
	r.POST("/targets", h.CreateTarget)
	r.GET("/targets/:id", h.GetTarget)
	r.GET("/authors/:id", h.GetAuthor)
}

// ListEvents handles GET /events with cursor pagination
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	var (
		before   time.Time
		beforeID string
	)
	if cursor != nil {
		before = cursor.At
		beforeID = cursor.ID
	}

	// Fetch limit+1 to detect whether a further page exists.
	events, err := h.store.ListEvents(c.Request.Context(), before, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(ev *ReviewEvent) (time.Time, string) {
		return ev.SubmittedAt, ev.ID
	})
	if events == nil {
		events = []*ReviewEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// GetEvent handles GET /events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// CreateTargetRequest registers a target entity that events can be
// directed at.
type CreateTargetRequest struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name"`
}

// CreateTarget handles POST /targets
func (h *Handler) CreateTarget(c *gin.Context) {
	var req CreateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	target := &TargetEntity{
		ID:   validation.SanitizeString(req.ID, 200),
		Name: validation.SanitizeString(req.Name, 200),
	}
	if target.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id must not be empty",
		})
		return
	}

	if _, err := h.store.BulkWrite(c.Request.Context(), []WriteOp{PutTarget{Target: target}}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "write_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, target)
}

// GetTarget handles GET /targets/:id
func (h *Handler) GetTarget(c *gin.Context) {
	tgt, err := h.store.GetTarget(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, tgt)
}

// GetAuthor handles GET /authors/:id
func (h *Handler) GetAuthor(c *gin.Context) {
	a, err := h.store.GetAuthor(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrAuthorNotFound) || errors.Is(err, ErrTargetNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Record not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "lookup_failed",
		"message": err.Error(),
	})
}
