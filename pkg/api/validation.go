package api

import (
	"fmt"
	"regexp"
	"time"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxScopes int
	MaxTTL    time.Duration
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxScopes: 32,
		MaxTTL:    5 * time.Minute,
	}
}

// scopePattern matches scope tokens: printable ASCII without spaces,
// quotes or backslashes.
var scopePattern = regexp.MustCompile(`^[\x21\x23-\x5B\x5D-\x7E]{1,128}$`)

// ValidScope reports whether s is a well-formed scope token.
func ValidScope(s string) bool {
	return scopePattern.MatchString(s)
}

// ValidateTicketRequest checks a TicketRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request
// is valid.
func ValidateTicketRequest(req *TicketRequest, cfg ValidationConfig) *APIError {
	if req.TTLSeconds < 0 {
		return NewInvalidRequestError("ttl_seconds", "ttl_seconds must not be negative")
	}

	if cfg.MaxTTL > 0 && time.Duration(req.TTLSeconds)*time.Second > cfg.MaxTTL {
		return NewInvalidRequestError("ttl_seconds",
			fmt.Sprintf("ttl_seconds exceeds maximum of %d", int(cfg.MaxTTL/time.Second)))
	}

	if cfg.MaxScopes > 0 && len(req.Scopes) > cfg.MaxScopes {
		return NewInvalidRequestError("scopes",
			fmt.Sprintf("scopes exceeds maximum of %d", cfg.MaxScopes))
	}

	for i, s := range req.Scopes {
		if !ValidScope(s) {
			return NewInvalidRequestError(fmt.Sprintf("scopes[%d]", i), "invalid scope")
		}
	}

	return nil
}
