// Package notify fans incident alerts out to pluggable sinks: the
// durable notification store, the realtime feed, and an optional
// signed webhook.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/reviewguard/reviewguard/internal/detection"
)

// Notification kinds.
const (
	KindIncidentDetected  = "incident_detected"
	KindIncidentEscalated = "incident_escalated"
	KindIncidentResolved  = "incident_resolved"
	KindCriticalAlert     = "critical_alert"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notify: notification not found")

// Notification is one alert about an incident.
type Notification struct {
	ID         string             `json:"id"`
	Kind       string             `json:"kind"`
	Severity   detection.Severity `json:"severity"`
	IncidentID string             `json:"incident_id"`
	TargetID   string             `json:"target_id"`
	Message    string             `json:"message"`
	CreatedAt  time.Time          `json:"created_at"`
	Read       bool               `json:"read"`
	ReadAt     *time.Time         `json:"read_at,omitempty"`
}

// Sink receives notifications. Implementations must tolerate being
// called concurrently.
type Sink interface {
	Notify(ctx context.Context, n *Notification) error
}

// Store persists notifications for later listing.
type Store interface {
	Save(ctx context.Context, n *Notification) error
	List(ctx context.Context, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id string) error
}
