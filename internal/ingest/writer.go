// Package ingest moves review events into the store: buffered batch
// writes, rate-limited backlog replay, and synthetic attack bursts.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/reviewguard/reviewguard/internal/metrics"
	"github.com/reviewguard/reviewguard/internal/retry"
	"github.com/reviewguard/reviewguard/internal/review"
)

const (
	// DefaultMaxBatch caps the number of buffered operations per flush.
	DefaultMaxBatch = 1000

	flushAttempts  = 2
	flushBaseDelay = 100 * time.Millisecond
)

// ErrBatchFull is returned by Add when the buffer is at capacity.
var ErrBatchFull = errors.New("ingest: batch buffer full")

// BatchWriter accumulates write operations and flushes them to the store
// as a single all-or-nothing batch. A failed flush is retried once with
// backoff before the error is surfaced.
//
// A BatchWriter is owned by a single producer goroutine and is not safe
// for concurrent use.
type BatchWriter struct {
	store    review.Store
	logger   *slog.Logger
	maxBatch int
	buf      []review.WriteOp
}

// WriterOption configures a BatchWriter.
type WriterOption func(*BatchWriter)

// WithMaxBatch overrides the buffer capacity.
func WithMaxBatch(n int) WriterOption {
	return func(w *BatchWriter) {
		if n > 0 {
			w.maxBatch = n
		}
	}
}

// NewBatchWriter creates a batch writer on top of the given store.
func NewBatchWriter(store review.Store, logger *slog.Logger, opts ...WriterOption) *BatchWriter {
	w := &BatchWriter{
		store:    store,
		logger:   logger,
		maxBatch: DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.buf = make([]review.WriteOp, 0, w.maxBatch)
	return w
}

// Add buffers one operation for the next flush.
func (w *BatchWriter) Add(op review.WriteOp) error {
	if len(w.buf) >= w.maxBatch {
		return ErrBatchFull
	}
	w.buf = append(w.buf, op)
	return nil
}

// Len reports the number of buffered operations.
func (w *BatchWriter) Len() int { return len(w.buf) }

// Flush writes the buffered operations as one batch. The buffer is
// cleared on success and kept intact on failure so the caller can decide
// whether to retry or abandon the run.
func (w *BatchWriter) Flush(ctx context.Context) (review.BulkResult, error) {
	if len(w.buf) == 0 {
		return review.BulkResult{}, nil
	}
	result, err := w.FlushOps(ctx, w.buf)
	if err != nil {
		return result, err
	}
	w.buf = w.buf[:0]
	return result, nil
}

// FlushOps writes ops as one batch, bypassing the buffer. Batches are
// never split: either every operation lands or the BulkWriteError from
// the final attempt is returned.
func (w *BatchWriter) FlushOps(ctx context.Context, ops []review.WriteOp) (review.BulkResult, error) {
	if len(ops) == 0 {
		return review.BulkResult{}, nil
	}

	start := time.Now()
	attempts := 0
	var result review.BulkResult
	err := retry.Do(ctx, flushAttempts, flushBaseDelay, func() error {
		attempts++
		var ferr error
		result, ferr = w.store.BulkWrite(ctx, ops)
		return ferr
	})
	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BatchFlushesTotal.WithLabelValues("failed").Inc()
		var bwe *review.BulkWriteError
		if !errors.As(err, &bwe) {
			bwe = &review.BulkWriteError{Failed: len(ops), Err: err}
		}
		w.logger.Error("batch flush failed",
			"ops", len(ops), "succeeded", bwe.Succeeded, "failed", bwe.Failed,
			"attempts", attempts, "error", err)
		return result, bwe
	}

	if attempts > 1 {
		metrics.BatchFlushesTotal.WithLabelValues("retried").Inc()
	} else {
		metrics.BatchFlushesTotal.WithLabelValues("ok").Inc()
	}
	for _, op := range ops {
		if ev, ok := op.(review.PutEvent); ok {
			metrics.EventsWrittenTotal.WithLabelValues(string(ev.Event.Partition)).Inc()
		}
	}
	w.logger.Debug("batch flushed", "ops", len(ops), "attempts", attempts)
	return result, nil
}
