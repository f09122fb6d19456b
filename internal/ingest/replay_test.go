package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/review"
)

func backlogItems(n int, targetID string) []*Item {
	items := make([]*Item, n)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		authorID := fmt.Sprintf("athr_r%d", i)
		items[i] = &Item{
			Author: &review.AuthorProfile{ID: authorID, TrustScore: 0.6},
			Event: &review.ReviewEvent{
				ID: fmt.Sprintf("rev_r%d", i), AuthorID: authorID, TargetID: targetID,
				Rating: 4, SubmittedAt: base.Add(time.Duration(i) * time.Second),
				Status: review.StatusPublished, Partition: review.PartitionReplay,
			},
		}
	}
	return items
}

func waitForStatus(t *testing.T, r *Replayer, pred func(ReplayStatus) bool) ReplayStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := r.Status()
		if pred(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for replay status")
	return ReplayStatus{}
}

func TestReplayDrainsBacklog(t *testing.T) {
	store := review.NewMemoryStore()
	items := backlogItems(10, "tgt_1")
	r := NewReplayer(store, func() (Backlog, error) {
		return NewSliceBacklog(items), nil
	}, testLogger())

	require.NoError(t, r.Start(1000, 4))

	st := waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })
	assert.Equal(t, 10, st.Flushed)
	assert.Empty(t, st.LastError)

	got, err := store.QueryEvents(context.Background(), review.EventQuery{TargetID: "tgt_1"})
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestReplayRejectsSecondRun(t *testing.T) {
	store := review.NewMemoryStore()
	r := NewReplayer(store, func() (Backlog, error) {
		return NewSliceBacklog(backlogItems(100, "tgt_1")), nil
	}, testLogger())

	// Slow rate keeps the first run alive while we start a second.
	require.NoError(t, r.Start(1, 10))
	assert.ErrorIs(t, r.Start(1, 10), ErrReplayRunning)

	require.NoError(t, r.Stop(context.Background()))
}

func TestReplayStopFlushesInFlightBatch(t *testing.T) {
	store := review.NewMemoryStore()
	r := NewReplayer(store, func() (Backlog, error) {
		return NewSliceBacklog(backlogItems(100, "tgt_1")), nil
	}, testLogger())

	// First batch flushes immediately, then the limiter stalls the run.
	require.NoError(t, r.Start(0.5, 10))
	waitForStatus(t, r, func(s ReplayStatus) bool { return s.Flushed >= 10 })

	require.NoError(t, r.Stop(context.Background()))

	st := r.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.LastError)

	// Every flushed event is durable and batches are whole multiples.
	got, err := store.QueryEvents(context.Background(), review.EventQuery{TargetID: "tgt_1"})
	require.NoError(t, err)
	assert.Len(t, got, st.Flushed)
	assert.Zero(t, st.Flushed%10)
}

func TestReplayStopWithoutRun(t *testing.T) {
	r := NewReplayer(review.NewMemoryStore(), func() (Backlog, error) {
		return NewSliceBacklog(nil), nil
	}, testLogger())
	assert.ErrorIs(t, r.Stop(context.Background()), ErrReplayNotRunning)
}

func TestReplayValidatesParameters(t *testing.T) {
	r := NewReplayer(review.NewMemoryStore(), func() (Backlog, error) {
		return NewSliceBacklog(nil), nil
	}, testLogger(), WithReplayMaxBatch(100))

	assert.Error(t, r.Start(0, 10))
	assert.Error(t, r.Start(-5, 10))
	assert.Error(t, r.Start(10, 0))
	assert.Error(t, r.Start(10, 101))
}

func TestReplaySurfacesFlushFailure(t *testing.T) {
	// Events reference authors that are never written, so every flush is
	// rejected and the run fails carrying the flushed count.
	items := backlogItems(5, "tgt_1")
	for _, it := range items {
		it.Author = nil
	}
	r := NewReplayer(review.NewMemoryStore(), func() (Backlog, error) {
		return NewSliceBacklog(items), nil
	}, testLogger())

	require.NoError(t, r.Start(1000, 5))
	st := waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })
	assert.Equal(t, 0, st.Flushed)
	assert.Contains(t, st.LastError, "0 events flushed")
}

func TestReplayRestartAfterCompletion(t *testing.T) {
	store := review.NewMemoryStore()
	r := NewReplayer(store, func() (Backlog, error) {
		return NewSliceBacklog(backlogItems(3, "tgt_1")), nil
	}, testLogger())

	require.NoError(t, r.Start(1000, 3))
	waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })

	// A finished run releases the slot.
	require.NoError(t, r.Start(1000, 3))
	st := waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })
	assert.Equal(t, 3, st.Flushed)
}

func TestReplayScoresUnscoredAuthors(t *testing.T) {
	store := review.NewMemoryStore()
	items := []*Item{
		{
			Author: &review.AuthorProfile{
				ID:              "athr_raw",
				PriorEventCount: 50,
				UsefulVotes:     20,
				Fans:            10,
				AccountAgeDays:  365,
				AvgRatingGiven:  3.5,
			},
			Event: &review.ReviewEvent{
				ID: "rev_raw", AuthorID: "athr_raw", TargetID: "tgt_1",
				Rating: 4, SubmittedAt: time.Now(),
				Status: review.StatusPublished, Partition: review.PartitionReplay,
			},
		},
		{
			Author: &review.AuthorProfile{ID: "athr_scored", TrustScore: 0.9},
			Event: &review.ReviewEvent{
				ID: "rev_scored", AuthorID: "athr_scored", TargetID: "tgt_1",
				Rating: 4, SubmittedAt: time.Now(),
				Status: review.StatusPublished, Partition: review.PartitionReplay,
			},
		},
	}
	r := NewReplayer(store, func() (Backlog, error) {
		return NewSliceBacklog(items), nil
	}, testLogger())

	require.NoError(t, r.Start(1000, 2))
	waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })

	raw, err := store.GetAuthor(context.Background(), "athr_raw")
	require.NoError(t, err)
	assert.Greater(t, raw.TrustScore, 0.0)
	assert.LessOrEqual(t, raw.TrustScore, 1.0)

	scored, err := store.GetAuthor(context.Background(), "athr_scored")
	require.NoError(t, err)
	assert.Equal(t, 0.9, scored.TrustScore)
}

func TestReplayFallsBackToConfiguredDefaults(t *testing.T) {
	store := review.NewMemoryStore()
	r := NewReplayer(store, func() (Backlog, error) {
		return NewSliceBacklog(backlogItems(6, "tgt_1")), nil
	}, testLogger(), WithReplayDefaults(1000, 3))

	// Zero values mean "use the configured defaults".
	require.NoError(t, r.Start(0, 0))
	st := waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })
	assert.Equal(t, float64(1000), st.Rate)
	assert.Equal(t, 3, st.BatchSize)
	assert.Equal(t, 6, st.Flushed)

	// Explicit values still win over the defaults.
	require.NoError(t, r.Start(500, 2))
	st = waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })
	assert.Equal(t, float64(500), st.Rate)
	assert.Equal(t, 2, st.BatchSize)
}

func TestReplayObserverSeesRunTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []ReplayStatus
	r := NewReplayer(review.NewMemoryStore(), func() (Backlog, error) {
		return NewSliceBacklog(backlogItems(4, "tgt_1")), nil
	}, testLogger(), WithReplayObserver(func(st ReplayStatus) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}))

	require.NoError(t, r.Start(1000, 4))
	waitForStatus(t, r, func(s ReplayStatus) bool { return !s.Running })

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.True(t, seen[0].Running)
	last := seen[len(seen)-1]
	assert.False(t, last.Running)
	assert.Equal(t, 4, last.Flushed)
}
