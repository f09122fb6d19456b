// Package trust computes a normalized [0,1] reputation estimate for a
// reviewing account from its observable signals.
//
// The score is a weighted sum of five sub-scores. Each sub-score is clamped
// to [0,1] before weighting so no single signal can exceed its budget. The
// function is deterministic and side-effect free; malformed inputs are
// coerced (negative counts treated as zero).
package trust

import (
	"math"

	"github.com/reviewguard/reviewguard/internal/review"
)

const (
	weightActivity    = 0.25
	weightRecognition = 0.15
	weightReach       = 0.10
	weightTenure      = 0.25
	weightBalance     = 0.20

	activityCeiling    = 100  // prior events
	recognitionCeiling = 100  // useful votes
	reachCeiling       = 50   // fans
	tenureCeilingDays  = 1825 // five years

	// ratingMidpoint is the neutral point of the 1-5 scale used by the
	// rating-balance signal.
	ratingMidpoint = 3.5
)

// Score computes the trust score for a profile. Result is clamped to [0,1].
func Score(p *review.AuthorProfile) float64 {
	if p == nil {
		return 0
	}

	score := activityFactor(p.PriorEventCount)*weightActivity +
		recognitionFactor(p.UsefulVotes)*weightRecognition +
		reachFactor(p.Fans)*weightReach +
		tenureFactor(p.AccountAgeDays)*weightTenure +
		balanceFactor(p.AvgRatingGiven)*weightBalance

	return clamp01(score)
}

// activityFactor: min(prior_event_count, 100) / 100.
func activityFactor(priorEvents int) float64 {
	return cappedRatio(priorEvents, activityCeiling)
}

// recognitionFactor: min(useful_votes, 100) / 100.
func recognitionFactor(usefulVotes int) float64 {
	return cappedRatio(usefulVotes, recognitionCeiling)
}

// reachFactor: min(fans, 50) / 50.
func reachFactor(fans int) float64 {
	return cappedRatio(fans, reachCeiling)
}

// tenureFactor: min(account_age_days, 1825) / 1825.
func tenureFactor(ageDays int) float64 {
	return cappedRatio(ageDays, tenureCeilingDays)
}

// balanceFactor rewards authors whose average given rating sits near the
// scale midpoint: 1 - |avg - midpoint| / midpoint, clamped.
func balanceFactor(avgRating float64) float64 {
	if avgRating < 0 || math.IsNaN(avgRating) {
		avgRating = 0
	}
	return clamp01(1 - math.Abs(avgRating-ratingMidpoint)/ratingMidpoint)
}

func cappedRatio(n, ceiling int) float64 {
	if n < 0 {
		n = 0
	}
	if n > ceiling {
		n = ceiling
	}
	return float64(n) / float64(ceiling)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
