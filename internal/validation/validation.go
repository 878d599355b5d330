// Package validation checks request fields before they reach a service and
// limits request bodies at the HTTP edge.
package validation

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/plazashare/escrow/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxTextLength caps free-text fields such as dispute descriptions.
const MaxTextLength = 4000

// MaxURLLength caps a single evidence link.
const MaxURLLength = 2048

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeText trims whitespace and strips NUL bytes.
func SanitizeText(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a single field rule. It returns nil when the field is valid.
type Check func() *FieldError

// Validate runs every check and collects the failures. The result is nil
// when all checks pass.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required checks that a field is not blank.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks for a decimal greater than zero with at most two
// fraction digits.
func PositiveAmount(field, value string) Check {
	return func() *FieldError {
		if _, err := money.ParsePositive(value); err != nil {
			return &FieldError{Field: field, Message: "must be a positive amount with at most 2 decimals"}
		}
		return nil
	}
}

// Currency checks for a three-letter ISO 4217 code.
func Currency(field, value string) Check {
	return func() *FieldError {
		if _, err := money.NormalizeCurrency(value); err != nil {
			return &FieldError{Field: field, Message: "must be a 3-letter ISO 4217 code"}
		}
		return nil
	}
}

// OneOf checks membership in an enumeration.
func OneOf(field, value string, allowed ...string) Check {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// EvidenceURLs checks a list of at most max absolute http(s) links.
func EvidenceURLs(field string, urls []string, max int) Check {
	return func() *FieldError {
		if len(urls) > max {
			return &FieldError{Field: field, Message: "too many entries"}
		}
		for _, raw := range urls {
			if !IsHTTPURL(raw) {
				return &FieldError{Field: field, Message: "entries must be absolute http(s) URLs"}
			}
		}
		return nil
	}
}

// IsHTTPURL reports whether raw is an absolute http or https URL with a host.
func IsHTTPURL(raw string) bool {
	if raw == "" || len(raw) > MaxURLLength {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
