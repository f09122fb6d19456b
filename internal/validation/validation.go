// Package validation provides input validation helpers and middleware for
// the reviewguard API.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text string fields.
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError represents a single-field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation failures. It satisfies error so
// handlers can map it to a 400 response.
type Errors []FieldError

// Error implements the error interface.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given checks and collects failures.
func Validate(checks ...func() *FieldError) Errors {
	var errs Errors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max length.
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveCount checks that a count is at least one and at most max.
func PositiveCount(field string, value, max int) func() *FieldError {
	return func() *FieldError {
		if value < 1 {
			return &FieldError{Field: field, Message: "must be at least 1"}
		}
		if max > 0 && value > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be at most %d", max)}
		}
		return nil
	}
}

// OrderedRange checks min <= max and that both ends sit inside [lo, hi].
func OrderedRange(field string, min, max, lo, hi float64) func() *FieldError {
	return func() *FieldError {
		if min > max {
			return &FieldError{Field: field, Message: "min must not exceed max"}
		}
		if min < lo || max > hi {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be within [%g, %g]", lo, hi)}
		}
		return nil
	}
}
