// Package validation provides input validation helpers for the arbitration API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// overlayAddressRegex validates P2P overlay addresses ("host.onion:port"
	// or "host:port" on local networks).
	overlayAddressRegex = regexp.MustCompile(`^[a-z2-7]{16,56}\.onion:\d{1,5}$|^[A-Za-z0-9.\-]+:\d{1,5}$`)
	// onionAddressRegex validates hidden-service addresses specifically.
	onionAddressRegex = regexp.MustCompile(`^[a-z2-7]{16,56}\.onion:\d{1,5}$`)
	// hexRegex validates hex strings (for signatures, tx blobs, etc)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
	// tradeIDRegex validates trade identifiers (short base36/uuid-ish ids)
	tradeIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{4,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidOverlayAddress checks if a string looks like a P2P overlay address.
func IsValidOverlayAddress(addr string) bool {
	return overlayAddressRegex.MatchString(addr)
}

// IsValidOnionAddress checks if a string is a hidden-service overlay address.
func IsValidOnionAddress(addr string) bool {
	return onionAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// IsValidTradeID checks if a string is a plausible trade identifier.
func IsValidTradeID(s string) bool {
	return tradeIDRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidTradeID checks if a field is a plausible trade identifier.
func ValidTradeID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidTradeID(value) {
			return &ValidationError{Field: field, Message: "must be a valid trade id"}
		}
		return nil
	}
}

// ValidOverlayAddress checks if a field is a valid P2P overlay address.
func ValidOverlayAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidOverlayAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid overlay address (host:port)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// TradeIDParamMiddleware validates the :tradeId URL parameter on routes that use it.
// Apply to route groups that include :tradeId params to reject malformed ids early.
func TradeIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("tradeId")
		if id != "" && !IsValidTradeID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_trade_id",
				"message": "trade id must be 4-64 characters of [A-Za-z0-9_-]",
			})
			return
		}
		c.Next()
	}
}
