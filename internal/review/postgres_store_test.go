package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/testutil"
)

func TestPostgresBulkWriteRollsBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	// The second event violates the author FK, so the whole transaction
	// rolls back.
	ops := []WriteOp{
		PutAuthor{Author: seedAuthor("athr_pg1")},
		PutEvent{Event: seedEvent("rev_pg1", "athr_pg1", "tgt_pg1", 3, time.Now())},
		PutEvent{Event: seedEvent("rev_pg2", "athr_pg_ghost", "tgt_pg1", 1, time.Now())},
	}
	_, err := store.BulkWrite(ctx, ops)
	require.Error(t, err)

	var bwe *BulkWriteError
	require.True(t, errors.As(err, &bwe))
	assert.Equal(t, 0, bwe.Succeeded)

	_, err = store.GetEvent(ctx, "rev_pg1")
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = store.GetAuthor(ctx, "athr_pg1")
	assert.ErrorIs(t, err, ErrAuthorNotFound)
}

func TestPostgresStatusTransitionRaceSafe(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	_, err := store.BulkWrite(ctx, []WriteOp{
		PutAuthor{Author: seedAuthor("athr_pg1")},
		PutEvent{Event: seedEvent("rev_pg1", "athr_pg1", "tgt_pg1", 1, now)},
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateEventStatus(ctx, "rev_pg1", StatusPatch{
		Status: StatusHeld, HeldReason: "suspected attack", HeldAt: &now, IncidentID: "inc_pg1",
	}))

	ev, err := store.GetEvent(ctx, "rev_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, ev.Status)
	assert.Equal(t, "inc_pg1", ev.IncidentID)

	require.NoError(t, store.UpdateEventStatus(ctx, "rev_pg1", StatusPatch{Status: StatusDeleted}))
	err = store.UpdateEventStatus(ctx, "rev_pg1", StatusPatch{Status: StatusPublished})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPostgresQueryEventsWindow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	_, err := store.BulkWrite(ctx, []WriteOp{
		PutAuthor{Author: seedAuthor("athr_pg1")},
		PutEvent{Event: seedEvent("rev_in", "athr_pg1", "tgt_pg1", 1, now.Add(-10*time.Minute))},
		PutEvent{Event: seedEvent("rev_out", "athr_pg1", "tgt_pg1", 1, now.Add(-2*time.Hour))},
		PutEvent{Event: seedEvent("rev_high", "athr_pg1", "tgt_pg1", 5, now.Add(-10*time.Minute))},
	})
	require.NoError(t, err)

	got, err := store.QueryEvents(ctx, EventQuery{
		Since:     now.Add(-30 * time.Minute),
		MaxRating: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rev_in", got[0].ID)
}

func TestPostgresGetEventsByIDs(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.BulkWrite(ctx, []WriteOp{
		PutAuthor{Author: seedAuthor("athr_pg1")},
		PutEvent{Event: seedEvent("rev_a", "athr_pg1", "tgt_pg1", 2, time.Now())},
		PutEvent{Event: seedEvent("rev_b", "athr_pg1", "tgt_pg1", 2, time.Now())},
	})
	require.NoError(t, err)

	got, err := store.GetEvents(ctx, []string{"rev_a", "rev_b", "rev_missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
