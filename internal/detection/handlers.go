package detection

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// IncidentSink turns detections into incident state. Apply reports the
// incident each detection landed in and whether it merged into an
// already-open one.
type IncidentSink interface {
	Apply(ctx context.Context, d *Detection) (incidentID string, merged bool, err error)
}

// Handler provides HTTP endpoints for detection passes
type Handler struct {
	evaluator *Evaluator
	sink      IncidentSink
}

// NewHandler creates a new detection handler
func NewHandler(evaluator *Evaluator, sink IncidentSink) *Handler {
	return &Handler{evaluator: evaluator, sink: sink}
}

// RegisterRoutes sets up detection routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/detect/run", h.RunDetection)
	r.GET("/detect/thresholds", h.GetThresholds)
}

// DetectionOutcome pairs a detection with the incident it produced
type DetectionOutcome struct {
	Detection  *Detection `json:"detection"`
	IncidentID string     `json:"incident_id"`
	Merged     bool       `json:"merged"`
}

// RunDetectionRequest optionally overrides the trailing window for one pass
type RunDetectionRequest struct {
	WindowMinutes int `json:"window_minutes"`
}

// RunDetection handles POST /detect/run
func (h *Handler) RunDetection(c *gin.Context) {
	ctx := c.Request.Context()

	var req RunDetectionRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if req.WindowMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "window_minutes must not be negative",
		})
		return
	}

	window := time.Duration(req.WindowMinutes) * time.Minute
	detections, err := h.evaluator.EvaluateWindow(ctx, time.Now(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "detection_failed",
			"message": err.Error(),
		})
		return
	}

	outcomes := make([]DetectionOutcome, 0, len(detections))
	for _, d := range detections {
		incidentID, merged, err := h.sink.Apply(ctx, d)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "incident_update_failed",
				"message": err.Error(),
			})
			return
		}
		outcomes = append(outcomes, DetectionOutcome{
			Detection: d, IncidentID: incidentID, Merged: merged,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"detections": outcomes,
		"count":      len(outcomes),
	})
}

// GetThresholds handles GET /detect/thresholds
func (h *Handler) GetThresholds(c *gin.Context) {
	t := h.evaluator.Thresholds()
	c.JSON(http.StatusOK, gin.H{
		"low_rating_max":     t.LowRatingMax,
		"trust_below":        t.TrustBelow,
		"window_seconds":     int(t.Window.Seconds()),
		"min_event_count":    t.MinEventCount,
		"min_unique_authors": t.MinUniqueAuthors,
	})
}
