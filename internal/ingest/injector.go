package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/reviewguard/reviewguard/internal/idgen"
	"github.com/reviewguard/reviewguard/internal/metrics"
	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/traces"
	"github.com/reviewguard/reviewguard/internal/validation"
)

// DefaultMaxBurst caps the number of events per injected burst.
const DefaultMaxBurst = 5000

// Range is an inclusive numeric range.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) sample() float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.Float64()*(r.Max-r.Min)
}

// IntRange is an inclusive integer range.
type IntRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r IntRange) sample() int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.IntN(r.Max-r.Min+1)
}

// BurstRequest describes a synthetic attack burst against one target.
// Authors is the size of the synthetic author pool; zero means one
// author per event. When Authors < Count, authors are reused round-robin
// and each profile is still written exactly once.
type BurstRequest struct {
	TargetID        string   `json:"target_id"`
	Count           int      `json:"count"`
	Authors         int      `json:"authors,omitempty"`
	RatingRange     Range    `json:"rating_range"`
	TrustRange      Range    `json:"trust_range"`
	AccountAgeRange IntRange `json:"account_age_range"`
}

// BurstResult identifies everything a burst created.
type BurstResult struct {
	BurstID    string    `json:"burst_id"`
	TargetID   string    `json:"target_id"`
	EventIDs   []string  `json:"event_ids"`
	AuthorIDs  []string  `json:"author_ids"`
	InjectedAt time.Time `json:"injected_at"`
}

var burstTexts = []string{
	"Terrible. Avoid at all costs.",
	"Worst experience ever, do not go here.",
	"Absolutely awful, zero stars if I could.",
	"Complete scam, stay away.",
	"Horrible service, never again.",
	"Disgusting. Would not recommend to anyone.",
}

// Injector creates synthetic attack bursts: a pool of low-trust author
// profiles plus a paired set of review events, written to the store as a
// single atomic batch.
type Injector struct {
	store    review.Store
	writer   *BatchWriter
	logger   *slog.Logger
	maxBurst int
}

// InjectorOption configures an Injector.
type InjectorOption func(*Injector)

// WithMaxBurst overrides the per-burst event cap.
func WithMaxBurst(n int) InjectorOption {
	return func(i *Injector) {
		if n > 0 {
			i.maxBurst = n
		}
	}
}

// NewInjector creates an injector over the given store.
func NewInjector(store review.Store, logger *slog.Logger, opts ...InjectorOption) *Injector {
	i := &Injector{
		store:    store,
		logger:   logger,
		maxBurst: DefaultMaxBurst,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.writer = NewBatchWriter(store, logger, WithMaxBatch(2*i.maxBurst))
	return i
}

// Inject validates the request, generates the burst, and writes authors
// and events in one batch. Either the whole burst lands or none of it.
func (i *Injector) Inject(ctx context.Context, req BurstRequest) (*BurstResult, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.inject_burst",
		traces.TargetID(req.TargetID), traces.EventCount(req.Count))
	defer span.End()

	errs := validation.Validate(
		validation.Required("target_id", req.TargetID),
		validation.PositiveCount("count", req.Count, i.maxBurst),
		validation.OrderedRange("rating_range", req.RatingRange.Min, req.RatingRange.Max,
			review.RatingMin, review.RatingMax),
		validation.OrderedRange("trust_range", req.TrustRange.Min, req.TrustRange.Max, 0, 1),
		validation.OrderedRange("account_age_range",
			float64(req.AccountAgeRange.Min), float64(req.AccountAgeRange.Max), 0, 36500),
	)
	if len(errs) > 0 {
		return nil, errs
	}
	if req.Authors < 0 || req.Authors > req.Count {
		return nil, validation.Errors{{Field: "authors", Message: "must be between 0 and count"}}
	}

	if _, err := i.store.GetTarget(ctx, req.TargetID); err != nil {
		if errors.Is(err, review.ErrTargetNotFound) {
			return nil, validation.Errors{{Field: "target_id", Message: "unknown target"}}
		}
		return nil, fmt.Errorf("ingest: target lookup: %w", err)
	}

	poolSize := req.Authors
	if poolSize == 0 {
		poolSize = req.Count
	}

	now := time.Now()
	pool := make([]*review.AuthorProfile, poolSize)
	ops := make([]review.WriteOp, 0, poolSize+req.Count)
	authorIDs := make([]string, poolSize)
	for j := range pool {
		ageDays := req.AccountAgeRange.sample()
		a := &review.AuthorProfile{
			ID:             idgen.WithPrefix(idgen.PrefixAuthor),
			TrustScore:     req.TrustRange.sample(),
			AccountAgeDays: ageDays,
			AvgRatingGiven: req.RatingRange.sample(),
			Synthetic:      true,
			CreatedAt:      now.AddDate(0, 0, -ageDays),
		}
		pool[j] = a
		authorIDs[j] = a.ID
		ops = append(ops, review.PutAuthor{Author: a})
	}

	eventIDs := make([]string, req.Count)
	for j := 0; j < req.Count; j++ {
		ev := &review.ReviewEvent{
			ID:          idgen.WithPrefix(idgen.PrefixEvent),
			AuthorID:    pool[j%poolSize].ID,
			TargetID:    req.TargetID,
			Rating:      clampRating(req.RatingRange.sample()),
			Text:        burstTexts[rand.IntN(len(burstTexts))],
			SubmittedAt: now,
			Status:      review.StatusPending,
			Partition:   review.PartitionAttack,
		}
		eventIDs[j] = ev.ID
		ops = append(ops, review.PutEvent{Event: ev})
	}

	if _, err := i.writer.FlushOps(ctx, ops); err != nil {
		return nil, err
	}

	metrics.AttackBurstsTotal.Inc()
	result := &BurstResult{
		BurstID:    idgen.WithPrefix(idgen.PrefixBurst),
		TargetID:   req.TargetID,
		EventIDs:   eventIDs,
		AuthorIDs:  authorIDs,
		InjectedAt: now,
	}
	span.SetAttributes(traces.BurstID(result.BurstID))
	i.logger.Info("attack burst injected",
		"burst_id", result.BurstID, "target_id", req.TargetID,
		"events", len(eventIDs), "authors", len(authorIDs))
	return result, nil
}

func clampRating(r float64) float64 {
	if r < review.RatingMin {
		return review.RatingMin
	}
	if r > review.RatingMax {
		return review.RatingMax
	}
	return r
}
