package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reviewguard/reviewguard/internal/detection"
	"github.com/reviewguard/reviewguard/internal/idgen"
	"github.com/reviewguard/reviewguard/internal/metrics"
	"github.com/reviewguard/reviewguard/internal/notify"
	"github.com/reviewguard/reviewguard/internal/retry"
	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/syncutil"
	"github.com/reviewguard/reviewguard/internal/traces"
)

const (
	conflictAttempts  = 3
	conflictBaseDelay = 25 * time.Millisecond

	holdReason = "suspected rating attack"
)

// Manager applies detections to incident state and runs the side effects
// of each transition: holding affected events, protecting the target,
// and emitting notifications. Work for one target is serialized through
// a per-key lock, so detection passes and resolutions never interleave
// on the same target.
type Manager struct {
	incidents Store
	events    review.Store
	notifier  notify.Sink
	locks     *syncutil.ContextShardedMutex
	logger    *slog.Logger
}

// NewManager creates an incident manager.
func NewManager(incidents Store, events review.Store, notifier notify.Sink, logger *slog.Logger) *Manager {
	return &Manager{
		incidents: incidents,
		events:    events,
		notifier:  notifier,
		locks:     syncutil.NewContextShardedMutex(),
		logger:    logger,
	}
}

// Apply satisfies detection.IncidentSink.
func (m *Manager) Apply(ctx context.Context, d *detection.Detection) (string, bool, error) {
	inc, merged, err := m.HandleDetection(ctx, d)
	if err != nil {
		return "", false, err
	}
	return inc.ID, merged, nil
}

// HandleDetection folds a detection into the target's incident state:
// it merges into the open incident when one exists, otherwise it opens a
// new one. A terminal incident never absorbs new detections; a fresh
// incident is opened instead. Returns the incident and whether the
// detection merged into an existing one.
func (m *Manager) HandleDetection(ctx context.Context, d *detection.Detection) (*Incident, bool, error) {
	ctx, span := traces.StartSpan(ctx, "incident.handle_detection",
		traces.TargetID(d.TargetID), traces.EventCount(d.EventCount),
		traces.SeverityAttr(string(d.Severity)))
	defer span.End()

	unlock, err := m.locks.LockContext(ctx, d.TargetID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		inc    *Incident
		merged bool
	)
	err = retry.Do(ctx, conflictAttempts, conflictBaseDelay, func() error {
		var aerr error
		inc, merged, aerr = m.applyDetection(ctx, d)
		if errors.Is(aerr, ErrOpenExists) || errors.Is(aerr, ErrVersionConflict) {
			return aerr
		}
		if aerr != nil {
			return retry.Permanent(aerr)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if err := m.runDetectionEffects(ctx, inc, d, merged); err != nil {
		return nil, false, err
	}
	return inc, merged, nil
}

func (m *Manager) applyDetection(ctx context.Context, d *detection.Detection) (*Incident, bool, error) {
	open, err := m.incidents.GetOpenByTarget(ctx, d.TargetID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	if open == nil {
		inc := &Incident{
			ID:               idgen.WithPrefix(idgen.PrefixIncident),
			TargetID:         d.TargetID,
			Status:           StatusDetected,
			Severity:         d.Severity,
			AffectedEventIDs: append([]string(nil), d.EventIDs...),
			EventCount:       d.EventCount,
			UniqueAuthors:    d.UniqueAuthors,
			AvgRating:        d.AvgRating,
			AvgTrust:         d.AvgTrust,
			WindowStart:      d.WindowStart,
			WindowEnd:        d.WindowEnd,
			DetectedAt:       d.DetectedAt,
			UpdatedAt:        now,
		}
		if err := m.incidents.Create(ctx, inc); err != nil {
			return nil, false, err
		}
		metrics.IncidentsTotal.WithLabelValues(string(StatusDetected)).Inc()
		metrics.OpenIncidents.Inc()
		m.logger.Info("incident opened",
			"incident_id", inc.ID, "target_id", inc.TargetID,
			"severity", inc.Severity, "events", inc.EventCount)
		return inc, false, nil
	}

	// Merge: union the affected events, recompute aggregates over the
	// union, and keep the maximum severity ever observed.
	union := unionIDs(open.AffectedEventIDs, d.EventIDs)
	open.AffectedEventIDs = union
	if err := m.recomputeMetrics(ctx, open); err != nil {
		return nil, false, err
	}
	open.Severity = detection.MaxSeverity(open.Severity, d.Severity)
	open.Severity = detection.MaxSeverity(open.Severity, detection.ClassifySeverity(open.EventCount))
	if d.WindowEnd.After(open.WindowEnd) {
		open.WindowEnd = d.WindowEnd
	}
	if d.WindowStart.Before(open.WindowStart) {
		open.WindowStart = d.WindowStart
	}
	open.UpdatedAt = now

	if err := m.incidents.Update(ctx, open); err != nil {
		return nil, false, err
	}
	m.logger.Info("incident merged",
		"incident_id", open.ID, "target_id", open.TargetID,
		"severity", open.Severity, "events", open.EventCount)
	return open, true, nil
}

// recomputeMetrics rebuilds the aggregate fields from the affected
// events so repeated merges of overlapping detections never double
// count.
func (m *Manager) recomputeMetrics(ctx context.Context, inc *Incident) error {
	events, err := m.events.GetEvents(ctx, inc.AffectedEventIDs)
	if err != nil {
		return fmt.Errorf("incident: load affected events: %w", err)
	}
	if len(events) == 0 {
		inc.EventCount = 0
		inc.UniqueAuthors = 0
		return nil
	}

	authorIDs := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	ratingSum := 0.0
	for _, ev := range events {
		ratingSum += ev.Rating
		if !seen[ev.AuthorID] {
			seen[ev.AuthorID] = true
			authorIDs = append(authorIDs, ev.AuthorID)
		}
	}
	authors, err := m.events.GetAuthors(ctx, authorIDs)
	if err != nil {
		return fmt.Errorf("incident: load authors: %w", err)
	}
	trustSum := 0.0
	for _, ev := range events {
		if a, ok := authors[ev.AuthorID]; ok {
			trustSum += a.TrustScore
		}
	}

	inc.EventCount = len(events)
	inc.UniqueAuthors = len(seen)
	inc.AvgRating = ratingSum / float64(len(events))
	inc.AvgTrust = trustSum / float64(len(events))
	return nil
}

func (m *Manager) runDetectionEffects(ctx context.Context, inc *Incident, d *detection.Detection, merged bool) error {
	heldAt := time.Now()
	for _, id := range d.EventIDs {
		err := m.events.UpdateEventStatus(ctx, id, review.StatusPatch{
			Status:     review.StatusHeld,
			HeldReason: holdReason,
			HeldAt:     &heldAt,
			IncidentID: inc.ID,
		})
		if err != nil && !errors.Is(err, review.ErrInvalidTransition) {
			return fmt.Errorf("incident: hold event %s: %w", id, err)
		}
	}

	reason := fmt.Sprintf("active incident %s", inc.ID)
	if err := m.events.SetTargetProtection(ctx, inc.TargetID, true, reason, &heldAt); err != nil &&
		!errors.Is(err, review.ErrTargetNotFound) {
		return fmt.Errorf("incident: protect target: %w", err)
	}

	kind := notify.KindIncidentDetected
	message := fmt.Sprintf("Coordinated low-rating activity against %s: %d events from %d authors",
		inc.TargetID, inc.EventCount, inc.UniqueAuthors)
	if merged {
		kind = notify.KindIncidentEscalated
		message = fmt.Sprintf("Incident %s grew to %d events from %d authors",
			inc.ID, inc.EventCount, inc.UniqueAuthors)
	}
	m.emit(ctx, inc, kind, message)

	if inc.Severity == detection.SeverityCritical {
		m.emit(ctx, inc, notify.KindCriticalAlert,
			fmt.Sprintf("CRITICAL: incident %s against %s requires immediate attention", inc.ID, inc.TargetID))
	}
	return nil
}

// Investigate moves a detected incident into investigating.
func (m *Manager) Investigate(ctx context.Context, id string) (*Incident, error) {
	inc, err := m.incidents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, inc.TargetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = retry.Do(ctx, conflictAttempts, conflictBaseDelay, func() error {
		inc, err = m.incidents.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if inc.Status.Terminal() {
			return retry.Permanent(ErrTerminal)
		}
		if inc.Status != StatusDetected {
			return retry.Permanent(fmt.Errorf("%w: %s -> %s", ErrBadTransition, inc.Status, StatusInvestigating))
		}
		inc.Status = StatusInvestigating
		inc.UpdatedAt = time.Now()
		if uerr := m.incidents.Update(ctx, inc); uerr != nil {
			if errors.Is(uerr, ErrVersionConflict) {
				return uerr
			}
			return retry.Permanent(uerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncidentsTotal.WithLabelValues(string(StatusInvestigating)).Inc()
	m.logger.Info("incident under investigation", "incident_id", inc.ID)
	return inc, nil
}

// Resolve closes an incident with a verdict. confirmed_attack deletes
// the held events; false_positive republishes them. Either way the
// target's rating protection lifts and the incident becomes immutable.
func (m *Manager) Resolve(ctx context.Context, id string, resolution Resolution, note string) (*Incident, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadResolution, resolution)
	}

	ctx, span := traces.StartSpan(ctx, "incident.resolve", traces.IncidentID(id))
	defer span.End()

	inc, err := m.incidents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, inc.TargetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = retry.Do(ctx, conflictAttempts, conflictBaseDelay, func() error {
		inc, err = m.incidents.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if inc.Status.Terminal() {
			return retry.Permanent(ErrTerminal)
		}
		now := time.Now()
		inc.Status = StatusResolved
		if resolution == ResolutionFalsePositive {
			inc.Status = StatusFalsePositive
		}
		inc.Resolution = resolution
		inc.ResolutionNote = note
		inc.ResolvedAt = &now
		inc.UpdatedAt = now
		if uerr := m.incidents.Update(ctx, inc); uerr != nil {
			if errors.Is(uerr, ErrVersionConflict) {
				return uerr
			}
			return retry.Permanent(uerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.runResolutionEffects(ctx, inc, resolution); err != nil {
		return nil, err
	}
	metrics.IncidentsTotal.WithLabelValues(string(inc.Status)).Inc()
	metrics.OpenIncidents.Dec()
	m.logger.Info("incident resolved",
		"incident_id", inc.ID, "resolution", resolution, "events", inc.EventCount)
	return inc, nil
}

func (m *Manager) runResolutionEffects(ctx context.Context, inc *Incident, resolution Resolution) error {
	next := review.StatusDeleted
	if resolution == ResolutionFalsePositive {
		next = review.StatusPublished
	}
	for _, id := range inc.AffectedEventIDs {
		err := m.events.UpdateEventStatus(ctx, id, review.StatusPatch{Status: next})
		if err != nil && !errors.Is(err, review.ErrInvalidTransition) &&
			!errors.Is(err, review.ErrEventNotFound) {
			return fmt.Errorf("incident: release event %s: %w", id, err)
		}
	}

	if err := m.events.SetTargetProtection(ctx, inc.TargetID, false, "", nil); err != nil &&
		!errors.Is(err, review.ErrTargetNotFound) {
		return fmt.Errorf("incident: unprotect target: %w", err)
	}

	verdict := "confirmed attack, events removed"
	if resolution == ResolutionFalsePositive {
		verdict = "false positive, events republished"
	}
	m.emit(ctx, inc, notify.KindIncidentResolved,
		fmt.Sprintf("Incident %s closed: %s", inc.ID, verdict))
	return nil
}

// Get returns one incident.
func (m *Manager) Get(ctx context.Context, id string) (*Incident, error) {
	return m.incidents.Get(ctx, id)
}

// List returns incidents matching the filter.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Incident, error) {
	return m.incidents.List(ctx, filter)
}

// Events returns the review events an incident references. Events deleted
// by a confirmed-attack resolution are no longer present and are omitted.
func (m *Manager) Events(ctx context.Context, id string) ([]*review.ReviewEvent, error) {
	inc, err := m.incidents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.events.GetEvents(ctx, inc.AffectedEventIDs)
}

func (m *Manager) emit(ctx context.Context, inc *Incident, kind, message string) {
	n := &notify.Notification{
		ID:         idgen.WithPrefix(idgen.PrefixNotification),
		Kind:       kind,
		Severity:   inc.Severity,
		IncidentID: inc.ID,
		TargetID:   inc.TargetID,
		Message:    message,
		CreatedAt:  time.Now(),
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("notification failed", "incident_id", inc.ID, "kind", kind, "error", err)
	}
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	result := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result
}
