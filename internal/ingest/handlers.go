package ingest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/validation"
)

// Handler provides HTTP endpoints for replay and attack injection
type Handler struct {
	replayer *Replayer
	injector *Injector
}

// NewHandler creates a new ingest handler
func NewHandler(replayer *Replayer, injector *Injector) *Handler {
	return &Handler{replayer: replayer, injector: injector}
}

// RegisterRoutes sets up ingest routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/replay/start", h.StartReplay)
	r.POST("/replay/stop", h.StopReplay)
	r.GET("/replay/status", h.ReplayStatus)
	r.POST("/attack/inject", h.InjectBurst)
}

// StartReplayRequest configures a replay run
type StartReplayRequest struct {
	Rate      float64 `json:"rate"`
	BatchSize int     `json:"batch_size"`
}

// StartReplay handles POST /replay/start. Omitted rate or batch_size
// fall back to the replayer's configured defaults.
func (h *Handler) StartReplay(c *gin.Context) {
	var req StartReplayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	if err := h.replayer.Start(req.Rate, req.BatchSize); err != nil {
		if errors.Is(err, ErrReplayRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "replay_running",
				"message": "A replay run is already in progress",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "replay_rejected",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, h.replayer.Status())
}

// StopReplay handles POST /replay/stop
func (h *Handler) StopReplay(c *gin.Context) {
	if err := h.replayer.Stop(c.Request.Context()); err != nil {
		if errors.Is(err, ErrReplayNotRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "replay_not_running",
				"message": "No replay run is in progress",
			})
			return
		}
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "stop_timed_out",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, h.replayer.Status())
}

// ReplayStatus handles GET /replay/status
func (h *Handler) ReplayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.replayer.Status())
}

// InjectBurst handles POST /attack/inject
func (h *Handler) InjectBurst(c *gin.Context) {
	var req BurstRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.injector.Inject(c.Request.Context(), req)
	if err != nil {
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": verrs.Error(),
				"fields":  verrs,
			})
			return
		}
		var bwe *review.BulkWriteError
		if errors.As(err, &bwe) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":     "write_failed",
				"message":   "Burst write did not complete",
				"succeeded": bwe.Succeeded,
				"failed":    bwe.Failed,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "inject_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}
