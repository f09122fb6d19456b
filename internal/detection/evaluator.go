package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/reviewguard/reviewguard/internal/metrics"
	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/traces"
)

// Evaluator scans the store for suspicious low-rating aggregations.
type Evaluator struct {
	store      review.Store
	thresholds Thresholds
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(store review.Store, thresholds Thresholds, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: store, thresholds: thresholds, logger: logger}
}

// Thresholds returns the active configuration.
func (e *Evaluator) Thresholds() Thresholds { return e.thresholds }

// Evaluate runs one detection pass over the trailing window ending at
// asOf. Held and deleted events never count, so re-running a pass after
// a detected attack was held does not re-detect the same events. The
// pass itself mutates nothing; results per target are independent.
func (e *Evaluator) Evaluate(ctx context.Context, asOf time.Time) ([]*Detection, error) {
	return e.EvaluateWindow(ctx, asOf, e.thresholds.Window)
}

// EvaluateWindow runs one pass with an explicit trailing window, overriding
// the configured one for this call only.
func (e *Evaluator) EvaluateWindow(ctx context.Context, asOf time.Time, window time.Duration) ([]*Detection, error) {
	ctx, span := traces.StartSpan(ctx, "detection.evaluate")
	defer span.End()

	if window <= 0 {
		window = e.thresholds.Window
	}
	since := asOf.Add(-window)
	events, err := e.store.QueryEvents(ctx, review.EventQuery{
		Since:           since,
		Until:           asOf,
		MaxRating:       e.thresholds.LowRatingMax,
		ExcludeStatuses: []review.EventStatus{review.StatusHeld, review.StatusDeleted},
	})
	if err != nil {
		return nil, fmt.Errorf("detection: query events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	authorIDs := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if !seen[ev.AuthorID] {
			seen[ev.AuthorID] = true
			authorIDs = append(authorIDs, ev.AuthorID)
		}
	}
	authors, err := e.store.GetAuthors(ctx, authorIDs)
	if err != nil {
		return nil, fmt.Errorf("detection: load authors: %w", err)
	}

	type agg struct {
		eventIDs  []string
		authors   map[string]bool
		ratingSum float64
		trustSum  float64
	}
	byTarget := make(map[string]*agg)
	for _, ev := range events {
		author, ok := authors[ev.AuthorID]
		if !ok || author.TrustScore >= e.thresholds.TrustBelow {
			continue
		}
		a := byTarget[ev.TargetID]
		if a == nil {
			a = &agg{authors: make(map[string]bool)}
			byTarget[ev.TargetID] = a
		}
		a.eventIDs = append(a.eventIDs, ev.ID)
		a.authors[ev.AuthorID] = true
		a.ratingSum += ev.Rating
		a.trustSum += author.TrustScore
	}

	var detections []*Detection
	for targetID, a := range byTarget {
		n := len(a.eventIDs)
		if n < e.thresholds.MinEventCount || len(a.authors) < e.thresholds.MinUniqueAuthors {
			continue
		}
		d := &Detection{
			TargetID:      targetID,
			WindowStart:   since,
			WindowEnd:     asOf,
			EventIDs:      a.eventIDs,
			EventCount:    n,
			UniqueAuthors: len(a.authors),
			AvgRating:     a.ratingSum / float64(n),
			AvgTrust:      a.trustSum / float64(n),
			Severity:      ClassifySeverity(n),
			DetectedAt:    asOf,
		}
		detections = append(detections, d)
		metrics.DetectionsTotal.WithLabelValues(string(d.Severity)).Inc()
		e.logger.Info("suspicious aggregation detected",
			"target_id", targetID, "events", n, "authors", len(a.authors),
			"severity", d.Severity)
	}
	sort.Slice(detections, func(i, j int) bool {
		return detections[i].TargetID < detections[j].TargetID
	})
	return detections, nil
}
