package review

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrEventNotFound     = errors.New("review: event not found")
	ErrAuthorNotFound    = errors.New("review: author not found")
	ErrTargetNotFound    = errors.New("review: target not found")
	ErrInvalidTransition = errors.New("review: invalid event status transition")
	ErrHoldReasonMissing = errors.New("review: hold requires a reason")
)

// WriteOp is one element of a bulk write batch. Exactly one variant exists
// per record type; the sealed marker keeps the set closed.
type WriteOp interface {
	isWriteOp()
}

// PutEvent inserts or replaces a review event.
type PutEvent struct {
	Event *ReviewEvent
}

// PutAuthor inserts or replaces an author profile.
type PutAuthor struct {
	Author *AuthorProfile
}

// PutTarget inserts or replaces a target entity.
type PutTarget struct {
	Target *TargetEntity
}

func (PutEvent) isWriteOp()  {}
func (PutAuthor) isWriteOp() {}
func (PutTarget) isWriteOp() {}

// BulkResult reports the outcome of a bulk write.
type BulkResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BulkWriteError is returned when a bulk write is rejected. The batch is
// all-or-nothing: Succeeded is the number of records that were durably
// written (zero unless the backend cannot roll back), Failed is the rest.
type BulkWriteError struct {
	Succeeded int
	Failed    int
	Err       error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("review: bulk write failed (%d written, %d rejected): %v",
		e.Succeeded, e.Failed, e.Err)
}

func (e *BulkWriteError) Unwrap() error { return e.Err }

// EventQuery selects events for the suspicion evaluator: a trailing time
// window, an upper rating bound, and statuses to exclude. Zero values
// disable the corresponding filter (MaxRating <= 0 means unbounded).
type EventQuery struct {
	Since           time.Time
	Until           time.Time
	MaxRating       float64
	ExcludeStatuses []EventStatus
	TargetID        string
}

// StatusPatch mutates an event's visibility state. Transitions are
// validated against EventStatus.CanTransitionTo; moving to held requires
// HeldReason, and the patch may attach or clear the incident back-reference.
type StatusPatch struct {
	Status     EventStatus
	HeldReason string
	HeldAt     *time.Time
	IncidentID string
}

// Store is the durable, queryable record storage the engine writes through.
//
// BulkWrite must attempt the whole batch as a single call and must not
// partially apply it: referential consistency (every event's author
// resolving at write time) is checked against the union of existing
// records and records earlier in the same batch.
type Store interface {
	BulkWrite(ctx context.Context, ops []WriteOp) (BulkResult, error)

	GetEvent(ctx context.Context, id string) (*ReviewEvent, error)
	GetEvents(ctx context.Context, ids []string) ([]*ReviewEvent, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]*ReviewEvent, error)
	ListEvents(ctx context.Context, before time.Time, beforeID string, limit int) ([]*ReviewEvent, error)
	UpdateEventStatus(ctx context.Context, id string, patch StatusPatch) error

	GetAuthor(ctx context.Context, id string) (*AuthorProfile, error)
	GetAuthors(ctx context.Context, ids []string) (map[string]*AuthorProfile, error)

	GetTarget(ctx context.Context, id string) (*TargetEntity, error)
	SetTargetProtection(ctx context.Context, id string, protected bool, reason string, since *time.Time) error
}
