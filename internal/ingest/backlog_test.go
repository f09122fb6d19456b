package ingest

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/review"
)

func writeBacklogFile(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileBacklogReadsItems(t *testing.T) {
	item := &Item{
		Author: &review.AuthorProfile{ID: "athr_f1", TrustScore: 0.7},
		Event: &review.ReviewEvent{
			ID: "rev_f1", AuthorID: "athr_f1", TargetID: "tgt_1",
			Rating: 4, SubmittedAt: time.Now().UTC(),
			Status: review.StatusPublished, Partition: review.PartitionReplay,
		},
	}
	raw, err := json.Marshal(item)
	require.NoError(t, err)

	path := writeBacklogFile(t, []string{string(raw), "", string(raw)})
	b, err := OpenFileBacklog(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	first, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rev_f1", first.Event.ID)
	require.NotNil(t, first.Author)
	assert.Equal(t, "athr_f1", first.Author.ID)

	// Blank lines are skipped.
	second, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rev_f1", second.Event.ID)

	_, err = b.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileBacklogRejectsMalformedLine(t *testing.T) {
	path := writeBacklogFile(t, []string{"{not json"})
	b, err := OpenFileBacklog(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestFileBacklogRequiresEvent(t *testing.T) {
	path := writeBacklogFile(t, []string{`{"author":{"id":"athr_x"}}`})
	b, err := OpenFileBacklog(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event")
}

func TestSliceBacklogHonorsContext(t *testing.T) {
	b := NewSliceBacklog(backlogItems(2, "tgt_1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
