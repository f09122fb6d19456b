package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestValidateCollectsAllFailures(t *testing.T) {
	errs := Validate(
		Required("target_id", ""),
		PositiveCount("count", 0, 10),
		OrderedRange("rating_range", 4, 2, 1, 5),
	)
	assert.Len(t, errs, 3)
	assert.Error(t, errs)
	assert.Contains(t, errs.Error(), "target_id")
}

func TestValidatePasses(t *testing.T) {
	errs := Validate(
		Required("target_id", "tgt_1"),
		MaxLength("text", "short", 100),
		PositiveCount("count", 5, 10),
		OrderedRange("trust_range", 0.05, 0.2, 0, 1),
	)
	assert.Empty(t, errs)
}

func TestPositiveCountUpperBound(t *testing.T) {
	errs := Validate(PositiveCount("count", 5001, 5000))
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "5000")
}

func TestOrderedRangeBounds(t *testing.T) {
	assert.NotEmpty(t, Validate(OrderedRange("rating_range", 0, 3, 1, 5)))
	assert.NotEmpty(t, Validate(OrderedRange("rating_range", 1, 6, 1, 5)))
	assert.Empty(t, Validate(OrderedRange("rating_range", 1, 5, 1, 5)))
}

func TestMaxLength(t *testing.T) {
	errs := Validate(MaxLength("text", strings.Repeat("a", 101), 100))
	assert.Len(t, errs, 1)
}
