package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewguard/reviewguard/internal/detection"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sample(id string, read bool, at time.Time) *Notification {
	return &Notification{
		ID: id, Kind: KindIncidentDetected, Severity: detection.SeverityHigh,
		IncidentID: "inc_1", TargetID: "tgt_1",
		Message: "coordinated low-rating activity", CreatedAt: at, Read: read,
	}
}

func TestMemoryStoreListAndMarkRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.Save(ctx, sample("ntf_1", false, base.Add(-2*time.Minute))))
	require.NoError(t, store.Save(ctx, sample("ntf_2", false, base.Add(-time.Minute))))
	require.NoError(t, store.Save(ctx, sample("ntf_3", true, base)))

	all, err := store.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ntf_3", all[0].ID)

	unread, err := store.List(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	require.NoError(t, store.MarkRead(ctx, "ntf_2"))
	unread, err = store.List(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "ntf_1", unread[0].ID)

	all, err = store.List(ctx, false, 10)
	require.NoError(t, err)
	for _, n := range all {
		if n.ID == "ntf_2" {
			assert.True(t, n.Read)
			require.NotNil(t, n.ReadAt)
			assert.WithinDuration(t, time.Now(), *n.ReadAt, time.Minute)
		}
		if n.ID == "ntf_1" {
			assert.Nil(t, n.ReadAt)
		}
	}

	assert.ErrorIs(t, store.MarkRead(ctx, "ntf_missing"), ErrNotFound)
}

func TestMultiSinkFansOutAndCollectsFirstError(t *testing.T) {
	var got []string
	ok := FuncSink(func(_ context.Context, n *Notification) error {
		got = append(got, n.ID)
		return nil
	})
	boom := FuncSink(func(context.Context, *Notification) error {
		return errors.New("boom")
	})

	sink := MultiSink{ok, boom, ok}
	err := sink.Notify(context.Background(), sample("ntf_1", false, time.Now()))
	require.Error(t, err)
	// Later sinks still run after a failure.
	assert.Len(t, got, 2)
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "topsecret", testLogger())
	n := sample("ntf_1", false, time.Now())
	require.NoError(t, sink.Notify(context.Background(), n))

	select {
	case r := <-received:
		body := <-bodies
		assert.Equal(t, KindIncidentDetected, r.Header.Get("X-Reviewguard-Kind"))
		assert.Equal(t, fmt.Sprintf("%d", n.CreatedAt.Unix()), r.Header.Get("X-Reviewguard-Timestamp"))

		mac := hmac.New(sha256.New, []byte("topsecret"))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		assert.Equal(t, want, r.Header.Get("X-Reviewguard-Signature"))
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}

func TestStoreSinkPersists(t *testing.T) {
	store := NewMemoryStore()
	sink := NewStoreSink(store)
	require.NoError(t, sink.Notify(context.Background(), sample("ntf_1", false, time.Now())))

	got, err := store.List(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ntf_1", got[0].ID)
}
