// Package validation provides input validation middleware for the cell
// protocol's demo HTTP surface (cmd/server). It never runs inside the
// core engines themselves — requests are validated at the boundary,
// before they become calls into internal/ledger, internal/txn, etc.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields such as
// transaction and commitment descriptions.
const MaxStringLength = 2000

// memberIDRegex validates member identifiers issued by the identity
// collaborator: short, URL-safe tokens, not raw key material.
var memberIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidMemberID reports whether s is a well-formed member identifier.
func IsValidMemberID(s string) bool {
	return memberIDRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes, and bounds length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidMemberID checks that a field, if present, is a well-formed member id.
func ValidMemberID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for mandatory fields
		}
		if !IsValidMemberID(value) {
			return &ValidationError{Field: field, Message: "must be a valid member id"}
		}
		return nil
	}
}

// MaxLength checks a field does not exceed max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that an int64 unit amount is strictly positive.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// MemberIDParamMiddleware validates the :member URL parameter on routes
// that use it, rejecting malformed identifiers before they reach a handler.
func MemberIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("member")
		if id != "" && !IsValidMemberID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_member_id",
				"message": "member id must match " + memberIDRegex.String(),
			})
			return
		}
		c.Next()
	}
}
