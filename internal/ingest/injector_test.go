package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/validation"
)

func injectorStore(t *testing.T) *review.MemoryStore {
	t.Helper()
	store := review.NewMemoryStore()
	_, err := store.BulkWrite(context.Background(), []review.WriteOp{
		review.PutTarget{Target: &review.TargetEntity{ID: "tgt_1", Name: "Cafe Norte"}},
	})
	require.NoError(t, err)
	return store
}

func TestInjectCreatesPairedRecords(t *testing.T) {
	store := injectorStore(t)
	inj := NewInjector(store, testLogger())
	ctx := context.Background()

	result, err := inj.Inject(ctx, BurstRequest{
		TargetID:        "tgt_1",
		Count:           15,
		RatingRange:     Range{Min: 1, Max: 2},
		TrustRange:      Range{Min: 0.05, Max: 0.2},
		AccountAgeRange: IntRange{Min: 1, Max: 14},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.BurstID)
	assert.Len(t, result.EventIDs, 15)
	assert.Len(t, result.AuthorIDs, 15)

	for _, id := range result.EventIDs {
		ev, err := store.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, review.PartitionAttack, ev.Partition)
		assert.Equal(t, review.StatusPending, ev.Status)
		assert.GreaterOrEqual(t, ev.Rating, 1.0)
		assert.LessOrEqual(t, ev.Rating, 2.0)

		a, err := store.GetAuthor(ctx, ev.AuthorID)
		require.NoError(t, err)
		assert.True(t, a.Synthetic)
		assert.GreaterOrEqual(t, a.TrustScore, 0.05)
		assert.LessOrEqual(t, a.TrustScore, 0.2)
		assert.GreaterOrEqual(t, a.AccountAgeDays, 1)
		assert.LessOrEqual(t, a.AccountAgeDays, 14)
	}
}

func TestInjectReusesAuthorPool(t *testing.T) {
	store := injectorStore(t)
	inj := NewInjector(store, testLogger())

	result, err := inj.Inject(context.Background(), BurstRequest{
		TargetID:        "tgt_1",
		Count:           12,
		Authors:         4,
		RatingRange:     Range{Min: 1, Max: 1},
		TrustRange:      Range{Min: 0.1, Max: 0.1},
		AccountAgeRange: IntRange{Min: 7, Max: 7},
	})
	require.NoError(t, err)
	assert.Len(t, result.EventIDs, 12)
	// Each pooled author profile is written exactly once.
	assert.Len(t, result.AuthorIDs, 4)

	seen := make(map[string]bool)
	for _, id := range result.AuthorIDs {
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestInjectValidation(t *testing.T) {
	inj := NewInjector(injectorStore(t), testLogger(), WithMaxBurst(100))
	ctx := context.Background()

	cases := []struct {
		name string
		req  BurstRequest
	}{
		{"missing target", BurstRequest{Count: 5, RatingRange: Range{1, 2}, TrustRange: Range{0, 1}}},
		{"zero count", BurstRequest{TargetID: "tgt_1", RatingRange: Range{1, 2}, TrustRange: Range{0, 1}}},
		{"count over cap", BurstRequest{TargetID: "tgt_1", Count: 101, RatingRange: Range{1, 2}, TrustRange: Range{0, 1}}},
		{"inverted rating range", BurstRequest{TargetID: "tgt_1", Count: 5, RatingRange: Range{3, 1}, TrustRange: Range{0, 1}}},
		{"rating out of scale", BurstRequest{TargetID: "tgt_1", Count: 5, RatingRange: Range{0, 2}, TrustRange: Range{0, 1}}},
		{"trust out of unit", BurstRequest{TargetID: "tgt_1", Count: 5, RatingRange: Range{1, 2}, TrustRange: Range{0, 1.5}}},
		{"authors over count", BurstRequest{TargetID: "tgt_1", Count: 5, Authors: 6, RatingRange: Range{1, 2}, TrustRange: Range{0, 1}}},
		{"unknown target", BurstRequest{TargetID: "tgt_ghost", Count: 5, RatingRange: Range{1, 2}, TrustRange: Range{0, 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := inj.Inject(ctx, tc.req)
			require.Error(t, err)
			var verrs validation.Errors
			assert.True(t, errors.As(err, &verrs), "want validation error, got %v", err)
		})
	}
}

func TestInjectAtomicOnWriteFailure(t *testing.T) {
	store := injectorStore(t)
	flaky := &flakyStore{Store: store, failures: 10}
	inj := NewInjector(flaky, testLogger())
	ctx := context.Background()

	_, err := inj.Inject(ctx, BurstRequest{
		TargetID:        "tgt_1",
		Count:           5,
		RatingRange:     Range{Min: 1, Max: 2},
		TrustRange:      Range{Min: 0.1, Max: 0.2},
		AccountAgeRange: IntRange{Min: 1, Max: 3},
	})
	require.Error(t, err)

	var bwe *review.BulkWriteError
	require.True(t, errors.As(err, &bwe))
	assert.Equal(t, 0, bwe.Succeeded)
	assert.Equal(t, 10, bwe.Failed)

	// Nothing from the failed burst is visible.
	got, err := store.QueryEvents(ctx, review.EventQuery{TargetID: "tgt_1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
