package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/detection"
	"github.com/reviewguard/reviewguard/internal/testutil"
)

func pgIncident(id, targetID string) *Incident {
	now := time.Now()
	return &Incident{
		ID: id, TargetID: targetID, Status: StatusDetected,
		Severity:         detection.SeverityMedium,
		AffectedEventIDs: []string{"rev_1", "rev_2"},
		EventCount:       2, UniqueAuthors: 2, AvgRating: 1.5, AvgTrust: 0.2,
		WindowStart: now.Add(-30 * time.Minute), WindowEnd: now,
		DetectedAt: now, UpdatedAt: now,
	}
}

func TestPostgresOneOpenIncidentPerTarget(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgIncident("inc_pg1", "tgt_pg1")))
	assert.ErrorIs(t, store.Create(ctx, pgIncident("inc_pg2", "tgt_pg1")), ErrOpenExists)

	// Resolving lifts the constraint for a fresh incident.
	inc, err := store.GetOpenByTarget(ctx, "tgt_pg1")
	require.NoError(t, err)
	now := time.Now()
	inc.Status = StatusResolved
	inc.Resolution = ResolutionConfirmedAttack
	inc.ResolvedAt = &now
	require.NoError(t, store.Update(ctx, inc))

	require.NoError(t, store.Create(ctx, pgIncident("inc_pg3", "tgt_pg1")))
}

func TestPostgresOptimisticVersioning(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgIncident("inc_pg1", "tgt_pg1")))

	a, err := store.Get(ctx, "inc_pg1")
	require.NoError(t, err)
	b, err := store.Get(ctx, "inc_pg1")
	require.NoError(t, err)

	a.Status = StatusInvestigating
	require.NoError(t, store.Update(ctx, a))

	b.Status = StatusResolved
	assert.ErrorIs(t, store.Update(ctx, b), ErrVersionConflict)

	got, err := store.Get(ctx, "inc_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusInvestigating, got.Status)
	assert.Equal(t, []string{"rev_1", "rev_2"}, got.AffectedEventIDs)
}

func TestPostgresListFilters(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgIncident("inc_pg1", "tgt_a")))
	require.NoError(t, store.Create(ctx, pgIncident("inc_pg2", "tgt_b")))

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byTarget, err := store.List(ctx, ListFilter{TargetID: "tgt_a"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, "inc_pg1", byTarget[0].ID)

	byStatus, err := store.List(ctx, ListFilter{Status: StatusFalsePositive})
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}
