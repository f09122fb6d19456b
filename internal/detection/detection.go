// Package detection finds coordinated low-rating attacks: it aggregates
// recent low-rating events from low-trust authors per target and emits a
// detection when both volume and author-spread thresholds are crossed.
package detection

import (
	"time"
)

// Severity classifies how large a detected attack is.
type Severity string

// Severity levels, ordered medium < high < critical.
const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event-count boundaries for severity classification.
const (
	CriticalEventCount = 20
	HighEventCount     = 10
)

// ClassifySeverity maps an aggregated event count to a severity. The
// mapping is a pure function of the count: counts at or above
// CriticalEventCount are critical, at or above HighEventCount are high,
// everything else that qualified at all is medium.
func ClassifySeverity(eventCount int) Severity {
	switch {
	case eventCount >= CriticalEventCount:
		return SeverityCritical
	case eventCount >= HighEventCount:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return rank(s) >= rank(min)
}

// Thresholds configure what counts as suspicious.
type Thresholds struct {
	// LowRatingMax is the highest rating that still counts as low.
	LowRatingMax float64
	// TrustBelow excludes authors at or above this trust score.
	TrustBelow float64
	// Window is the trailing evaluation window.
	Window time.Duration
	// MinEventCount is the minimum qualifying events per target.
	MinEventCount int
	// MinUniqueAuthors is the minimum distinct authors per target.
	MinUniqueAuthors int
}

// DefaultThresholds returns the stock configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LowRatingMax:     2,
		TrustBelow:       0.4,
		Window:           30 * time.Minute,
		MinEventCount:    5,
		MinUniqueAuthors: 3,
	}
}

// Detection is one suspicious aggregation for one target.
type Detection struct {
	TargetID      string    `json:"target_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	EventIDs      []string  `json:"event_ids"`
	EventCount    int       `json:"event_count"`
	UniqueAuthors int       `json:"unique_authors"`
	AvgRating     float64   `json:"avg_rating"`
	AvgTrust      float64   `json:"avg_trust"`
	Severity      Severity  `json:"severity"`
	DetectedAt    time.Time `json:"detected_at"`
}
