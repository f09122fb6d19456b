// Package review defines the record types the engine operates on and the
// Store collaborator they are persisted through: review events, author
// profiles, and the target entities events are directed at.
//
// The engine never assumes a concrete storage backend. Everything it needs
// is expressed through the Store interface; MemoryStore and PostgresStore
// are the two shipped implementations.
package review

import (
	"time"
)

// EventStatus is the visibility state of a review event.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusPublished EventStatus = "published"
	StatusHeld      EventStatus = "held"
	StatusDeleted   EventStatus = "deleted"
)

// Partition records which producer created an event.
type Partition string

const (
	PartitionHistorical Partition = "historical"
	PartitionReplay     Partition = "replay"
	PartitionAttack     Partition = "attack"
)

// Rating bounds for the 1-5 star scale.
const (
	RatingMin = 1.0
	RatingMax = 5.0
)

// ReviewEvent is one user-submitted rating+text record against a target.
type ReviewEvent struct {
	ID          string      `json:"id"`
	AuthorID    string      `json:"authorId"`
	TargetID    string      `json:"targetId"`
	Rating      float64     `json:"rating"`
	Text        string      `json:"text"`
	SubmittedAt time.Time   `json:"submittedAt"`
	Status      EventStatus `json:"status"`
	Partition   Partition   `json:"partition"`
	IncidentID  string      `json:"incidentId,omitempty"`
	HeldReason  string      `json:"heldReason,omitempty"`
	HeldAt      *time.Time  `json:"heldAt,omitempty"`
}

// AuthorProfile is the reviewing account behind one or more events.
type AuthorProfile struct {
	ID              string    `json:"id"`
	TrustScore      float64   `json:"trustScore"`
	AccountAgeDays  int       `json:"accountAgeDays"`
	PriorEventCount int       `json:"priorEventCount"`
	UsefulVotes     int       `json:"usefulVotes"`
	Fans            int       `json:"fans"`
	AvgRatingGiven  float64   `json:"avgRatingGiven"`
	Synthetic       bool      `json:"synthetic"`
	Flagged         bool      `json:"flagged"`
	FlagReason      string    `json:"flagReason,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TargetEntity is the thing being reviewed (e.g. a business).
type TargetEntity struct {
	ID               string     `json:"id"`
	Name             string     `json:"name,omitempty"`
	RatingProtected  bool       `json:"ratingProtected"`
	ProtectionReason string     `json:"protectionReason,omitempty"`
	ProtectedSince   *time.Time `json:"protectedSince,omitempty"`
}

// CanTransitionTo reports whether an event status change is legal:
// pending may move to published or held, held may move to published or
// deleted, and published may only move to held via an explicit hold action
// (the caller must supply a hold reason, enforced by the stores).
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusPublished || next == StatusHeld
	case StatusPublished:
		return next == StatusHeld
	case StatusHeld:
		return next == StatusPublished || next == StatusDeleted
	default:
		return false
	}
}
