package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reviewguard/reviewguard/internal/metrics"
	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/trust"
)

// Replay errors.
var (
	ErrReplayRunning    = errors.New("ingest: replay already running")
	ErrReplayNotRunning = errors.New("ingest: no replay in progress")
)

// ReplayError wraps a replay run failure and carries the number of events
// that were durably flushed before the run aborted.
type ReplayError struct {
	Flushed int
	Err     error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("ingest: replay failed after %d events flushed: %v", e.Flushed, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// ReplayStatus is a point-in-time snapshot of the replayer.
type ReplayStatus struct {
	Running    bool       `json:"running"`
	Rate       float64    `json:"rate"`
	BatchSize  int        `json:"batch_size"`
	Flushed    int        `json:"flushed"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Replayer streams a backlog into the store at a bounded rate: events are
// grouped into batches, each batch is flushed atomically, and the token
// bucket paces batch starts so ingestion never exceeds the configured
// events-per-second rate. At most one run is active at a time.
type Replayer struct {
	store        review.Store
	open         func() (Backlog, error)
	logger       *slog.Logger
	maxBatch     int
	defaultRate  float64
	defaultBatch int
	observe      func(ReplayStatus)

	mu     sync.Mutex
	run    *replayRun
	status ReplayStatus
}

type replayRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayMaxBatch caps the per-flush batch size a run may request.
func WithReplayMaxBatch(n int) ReplayerOption {
	return func(r *Replayer) {
		if n > 0 {
			r.maxBatch = n
		}
	}
}

// WithReplayDefaults sets the rate and batch size used when a start
// request leaves them unset.
func WithReplayDefaults(eventsPerSec float64, batchSize int) ReplayerOption {
	return func(r *Replayer) {
		if eventsPerSec > 0 {
			r.defaultRate = eventsPerSec
		}
		if batchSize > 0 {
			r.defaultBatch = batchSize
		}
	}
}

// WithReplayObserver registers a callback invoked with a status snapshot
// when a run starts and when it finishes.
func WithReplayObserver(fn func(ReplayStatus)) ReplayerOption {
	return func(r *Replayer) {
		r.observe = fn
	}
}

// NewReplayer creates a replayer. open is called once per run to produce
// a fresh backlog.
func NewReplayer(store review.Store, open func() (Backlog, error), logger *slog.Logger, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		store:    store,
		open:     open,
		logger:   logger,
		maxBatch: DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins a replay run at eventsPerSec with the given batch size.
// Non-positive values fall back to the configured defaults. It returns
// ErrReplayRunning if a run is already active.
func (r *Replayer) Start(eventsPerSec float64, batchSize int) error {
	if eventsPerSec <= 0 {
		eventsPerSec = r.defaultRate
	}
	if batchSize <= 0 {
		batchSize = r.defaultBatch
	}
	if eventsPerSec <= 0 {
		return fmt.Errorf("ingest: rate must be positive, got %g", eventsPerSec)
	}
	if batchSize <= 0 || batchSize > r.maxBatch {
		return fmt.Errorf("ingest: batch size must be in [1, %d], got %d", r.maxBatch, batchSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != nil {
		return ErrReplayRunning
	}

	backlog, err := r.open()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &replayRun{cancel: cancel, done: make(chan struct{})}
	now := time.Now()
	r.run = run
	r.status = ReplayStatus{
		Running:   true,
		Rate:      eventsPerSec,
		BatchSize: batchSize,
		StartedAt: &now,
	}

	r.logger.Info("replay started", "rate", eventsPerSec, "batch_size", batchSize)
	go r.loop(ctx, run, backlog, eventsPerSec, batchSize)
	return nil
}

// Stop requests a cooperative stop and blocks until the in-flight batch
// has been flushed and the run goroutine has exited, or until ctx is
// done. It returns ErrReplayNotRunning if no run is active.
func (r *Replayer) Stop(ctx context.Context) error {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return ErrReplayNotRunning
	}

	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the current or most recent run.
func (r *Replayer) Status() ReplayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Replayer) notifyStatus() {
	if r.observe != nil {
		r.observe(r.Status())
	}
}

func (r *Replayer) loop(ctx context.Context, run *replayRun, backlog Backlog, eventsPerSec float64, batchSize int) {
	defer close(run.done)
	defer func() { _ = backlog.Close() }()
	r.notifyStatus()

	limiter := rate.NewLimiter(rate.Limit(eventsPerSec), batchSize)
	writer := NewBatchWriter(r.store, r.logger, WithMaxBatch(2*batchSize))
	seenAuthors := make(map[string]bool)

	flushed := 0
	outcome := "completed"
	var runErr error

	// Flushes go through a background context so a stop request never
	// aborts a batch mid-write.
	flushCtx := context.Background()

	fill := func() (events int, exhausted bool, err error) {
		for events < batchSize {
			item, nerr := backlog.Next(ctx)
			if errors.Is(nerr, io.EOF) {
				return events, true, nil
			}
			if nerr != nil {
				return events, false, nerr
			}
			if item.Author != nil && !seenAuthors[item.Author.ID] {
				seenAuthors[item.Author.ID] = true
				// Backlog files carry raw account signals; score authors
				// that arrive without a precomputed trust value.
				if item.Author.TrustScore == 0 {
					item.Author.TrustScore = trust.Score(item.Author)
				}
				_ = writer.Add(review.PutAuthor{Author: item.Author})
			}
			_ = writer.Add(review.PutEvent{Event: item.Event})
			events++
		}
		return events, false, nil
	}

	flush := func(events int) bool {
		if events == 0 {
			return true
		}
		if _, err := writer.Flush(flushCtx); err != nil {
			runErr = &ReplayError{Flushed: flushed, Err: err}
			outcome = "failed"
			return false
		}
		flushed += events
		r.mu.Lock()
		r.status.Flushed = flushed
		r.mu.Unlock()
		return true
	}

	for {
		events, exhausted, err := fill()
		stopped := errors.Is(err, context.Canceled)
		if err != nil && !stopped {
			runErr = &ReplayError{Flushed: flushed, Err: err}
			outcome = "failed"
			break
		}

		// Partial buffers are flushed on both stop and exhaustion.
		if !flush(events) {
			break
		}
		if stopped || ctx.Err() != nil {
			outcome = "stopped"
			break
		}
		if exhausted {
			break
		}

		if err := limiter.WaitN(ctx, events); err != nil {
			// Pacing aborted by a stop between batches; everything filled
			// so far is already flushed.
			outcome = "stopped"
			break
		}
	}

	metrics.ReplayRunsTotal.WithLabelValues(outcome).Inc()

	now := time.Now()
	r.mu.Lock()
	r.run = nil
	r.status.Running = false
	r.status.Flushed = flushed
	r.status.FinishedAt = &now
	if runErr != nil {
		r.status.LastError = runErr.Error()
	}
	r.mu.Unlock()
	r.notifyStatus()

	if runErr != nil {
		r.logger.Error("replay aborted", "flushed", flushed, "error", runErr)
		return
	}
	r.logger.Info("replay finished", "outcome", outcome, "flushed", flushed)
}
