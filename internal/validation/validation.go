// Package validation holds the request validation helpers shared by the
// HTTP handlers. Handlers compose field validators and return the collected
// errors in one response rather than failing on the first.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trakka/payguard/internal/money"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxStringLength caps free-form string fields.
const MaxStringLength = 10000

// RequestSizeMiddleware wraps the request body in a MaxBytesReader so
// oversized payloads fail at read time.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, truncates to maxLen and strips NUL bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError names the failing field and what is wrong with it.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects the failures from one request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects every failure.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when value is empty or whitespace.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength fails when value exceeds max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount fails unless value parses as a positive money amount with at
// most two decimal places. Empty values pass; pair with Required when the
// field is mandatory.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.Parse(value); err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !money.IsPositive(value) {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
