package detection

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/review"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	store *review.MemoryStore
	now   time.Time
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{store: review.NewMemoryStore(), now: time.Now()}
}

func (f *fixture) addEvents(t *testing.T, targetID string, n int, authors int, rating, trust float64, age time.Duration) []string {
	t.Helper()
	var ops []review.WriteOp
	authorIDs := make([]string, authors)
	for i := range authorIDs {
		f.seq++
		authorIDs[i] = fmt.Sprintf("athr_%d", f.seq)
		ops = append(ops, review.PutAuthor{Author: &review.AuthorProfile{
			ID: authorIDs[i], TrustScore: trust,
		}})
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		f.seq++
		ids[i] = fmt.Sprintf("rev_%d", f.seq)
		ops = append(ops, review.PutEvent{Event: &review.ReviewEvent{
			ID: ids[i], AuthorID: authorIDs[i%authors], TargetID: targetID,
			Rating: rating, SubmittedAt: f.now.Add(-age),
			Status: review.StatusPublished, Partition: review.PartitionAttack,
		}})
	}
	_, err := f.store.BulkWrite(context.Background(), ops)
	require.NoError(t, err)
	return ids
}

func TestEvaluateDetectsAttack(t *testing.T) {
	f := newFixture(t)
	f.addEvents(t, "tgt_1", 15, 15, 1.5, 0.1, 10*time.Minute)

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	require.Len(t, detections, 1)

	d := detections[0]
	assert.Equal(t, "tgt_1", d.TargetID)
	assert.Equal(t, 15, d.EventCount)
	assert.Equal(t, 15, d.UniqueAuthors)
	assert.Equal(t, SeverityHigh, d.Severity)
	assert.InDelta(t, 1.5, d.AvgRating, 1e-9)
	assert.InDelta(t, 0.1, d.AvgTrust, 1e-9)
	assert.Len(t, d.EventIDs, 15)
}

func TestEvaluateBothThresholdsRequired(t *testing.T) {
	e := func(f *fixture) ([]*Detection, error) {
		ev := NewEvaluator(f.store, DefaultThresholds(), testLogger())
		return ev.Evaluate(context.Background(), f.now)
	}

	// Enough events, too few distinct authors.
	f := newFixture(t)
	f.addEvents(t, "tgt_1", 8, 2, 1, 0.1, 5*time.Minute)
	detections, err := e(f)
	require.NoError(t, err)
	assert.Empty(t, detections)

	// Enough authors, too few events.
	f = newFixture(t)
	f.addEvents(t, "tgt_1", 4, 4, 1, 0.1, 5*time.Minute)
	detections, err = e(f)
	require.NoError(t, err)
	assert.Empty(t, detections)

	// Exactly at both minimums qualifies.
	f = newFixture(t)
	f.addEvents(t, "tgt_1", 5, 3, 1, 0.1, 5*time.Minute)
	detections, err = e(f)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, SeverityMedium, detections[0].Severity)
}

func TestEvaluateIgnoresTrustedAuthors(t *testing.T) {
	f := newFixture(t)
	// Low ratings from authors at the trust boundary do not qualify;
	// the threshold is strictly below.
	f.addEvents(t, "tgt_1", 10, 10, 1, 0.4, 5*time.Minute)

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestEvaluateIgnoresHighRatings(t *testing.T) {
	f := newFixture(t)
	f.addEvents(t, "tgt_1", 10, 10, 3, 0.1, 5*time.Minute)

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestEvaluateIgnoresEventsOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.addEvents(t, "tgt_1", 10, 10, 1, 0.1, 45*time.Minute)

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestEvaluateIgnoresHeldEvents(t *testing.T) {
	f := newFixture(t)
	ids := f.addEvents(t, "tgt_1", 6, 6, 1, 0.1, 5*time.Minute)

	// Holding two drops the target below the event minimum.
	held := time.Now()
	for _, id := range ids[:2] {
		require.NoError(t, f.store.UpdateEventStatus(context.Background(), id, review.StatusPatch{
			Status: review.StatusHeld, HeldReason: "suspected attack", HeldAt: &held,
		}))
	}

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestEvaluateSeparatesTargets(t *testing.T) {
	f := newFixture(t)
	f.addEvents(t, "tgt_a", 25, 25, 1, 0.1, 5*time.Minute)
	f.addEvents(t, "tgt_b", 6, 6, 2, 0.2, 5*time.Minute)
	f.addEvents(t, "tgt_c", 2, 2, 1, 0.1, 5*time.Minute)

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.Equal(t, "tgt_a", detections[0].TargetID)
	assert.Equal(t, SeverityCritical, detections[0].Severity)
	assert.Equal(t, "tgt_b", detections[1].TargetID)
	assert.Equal(t, SeverityMedium, detections[1].Severity)
}

func TestEvaluateIdempotentWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.addEvents(t, "tgt_1", 12, 12, 1, 0.1, 5*time.Minute)

	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())
	first, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].EventCount, second[0].EventCount)
	assert.Equal(t, first[0].Severity, second[0].Severity)
}

func TestEvaluateWindowOverride(t *testing.T) {
	f := newFixture(t)
	f.addEvents(t, "tgt_1", 8, 4, 1, 0.1, 45*time.Minute)
	e := NewEvaluator(f.store, DefaultThresholds(), testLogger())

	// Outside the default 30 minute window
	detections, err := e.Evaluate(context.Background(), f.now)
	require.NoError(t, err)
	assert.Empty(t, detections)

	// A wider window for this pass picks them up
	detections, err = e.EvaluateWindow(context.Background(), f.now, time.Hour)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, 8, detections[0].EventCount)

	// Non-positive override falls back to the configured window
	detections, err = e.EvaluateWindow(context.Background(), f.now, 0)
	require.NoError(t, err)
	assert.Empty(t, detections)
}
