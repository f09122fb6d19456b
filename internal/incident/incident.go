// Package incident manages the lifecycle of detected rating attacks:
// at most one open incident per target, merge-on-redetection, and
// terminal resolution with event cleanup.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/reviewguard/reviewguard/internal/detection"
)

// Status is an incident lifecycle state.
type Status string

// Lifecycle states. Resolved and false_positive are terminal.
const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Resolution is the verdict closing an incident.
type Resolution string

// Resolutions.
const (
	ResolutionConfirmedAttack Resolution = "confirmed_attack"
	ResolutionFalsePositive   Resolution = "false_positive"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionConfirmedAttack || r == ResolutionFalsePositive
}

// Sentinel errors shared by all Store implementations.
var (
	ErrNotFound        = errors.New("incident: not found")
	ErrOpenExists      = errors.New("incident: open incident already exists for target")
	ErrVersionConflict = errors.New("incident: concurrent modification")
	ErrTerminal        = errors.New("incident: terminal incident is immutable")
	ErrBadTransition   = errors.New("incident: invalid status transition")
	ErrBadResolution   = errors.New("incident: unknown resolution")
)

// Incident is one attack case against one target. Severity only ever
// rises: merges keep the maximum severity observed across detections.
type Incident struct {
	ID               string             `json:"id"`
	TargetID         string             `json:"target_id"`
	Status           Status             `json:"status"`
	Severity         detection.Severity `json:"severity"`
	AffectedEventIDs []string           `json:"affected_event_ids"`
	EventCount       int                `json:"event_count"`
	UniqueAuthors    int                `json:"unique_authors"`
	AvgRating        float64            `json:"avg_rating"`
	AvgTrust         float64            `json:"avg_trust"`
	WindowStart      time.Time          `json:"window_start"`
	WindowEnd        time.Time          `json:"window_end"`
	DetectedAt       time.Time          `json:"detected_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
	Resolution       Resolution         `json:"resolution,omitempty"`
	ResolutionNote   string             `json:"resolution_note,omitempty"`

	// Version guards optimistic concurrency in Update.
	Version int `json:"-"`
}

// ListFilter narrows List results. Zero values disable a filter.
type ListFilter struct {
	Status   Status
	TargetID string
	Limit    int
}

// Store persists incidents.
//
// Create must fail with ErrOpenExists when the target already has a
// non-terminal incident. Update must fail with ErrVersionConflict when
// the stored version differs from the caller's.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	GetOpenByTarget(ctx context.Context, targetID string) (*Incident, error)
	Update(ctx context.Context, inc *Incident) error
	List(ctx context.Context, filter ListFilter) ([]*Incident, error)
}
