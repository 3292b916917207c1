package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the stable, client-visible code of an authentication failure.
type Reason string

const (
	ReasonNoCredentials     Reason = "no_credentials_presented"
	ReasonMalformed         Reason = "malformed"
	ReasonSignatureInvalid  Reason = "signature_invalid"
	ReasonExpired           Reason = "expired"
	ReasonNotFound          Reason = "not_found"
	ReasonAlreadyRedeemed   Reason = "already_redeemed"
	ReasonKeyUnavailable    Reason = "key_unavailable"
	ReasonInsufficientScope Reason = "insufficient_scope"
	ReasonRateLimited       Reason = "rate_limited"
)

var defaultMessages = map[Reason]string{
	ReasonNoCredentials:     "no credentials presented",
	ReasonMalformed:         "credential is malformed",
	ReasonSignatureInvalid:  "credential signature is invalid",
	ReasonExpired:           "credential has expired",
	ReasonNotFound:          "credential is not valid",
	ReasonAlreadyRedeemed:   "ticket has already been redeemed",
	ReasonKeyUnavailable:    "credential store unavailable",
	ReasonInsufficientScope: "insufficient scope",
	ReasonRateLimited:       "too many failed authentication attempts",
}

// Message returns the default human-readable message for the reason.
func (r Reason) Message() string {
	if m, ok := defaultMessages[r]; ok {
		return m
	}
	return string(r)
}

// SecurityEvent reports whether failures with this reason hint at an attack
// (forgery or replay) and deserve a warn-level log line.
func (r Reason) SecurityEvent() bool {
	return r == ReasonSignatureInvalid || r == ReasonAlreadyRedeemed
}

// StatusFromReason maps a reason to the HTTP status used for denials.
func StatusFromReason(r Reason) int {
	switch r {
	case ReasonAlreadyRedeemed:
		return http.StatusGone
	case ReasonInsufficientScope:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonKeyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// Failure is the typed error every provider returns. Two failures match
// with errors.Is when their reasons are equal, so callers can test against
// the sentinels below regardless of message or cause.
type Failure struct {
	Reason  Reason
	Message string
	// Err is the underlying cause. It is logged, never shown to clients.
	Err error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Reason, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches any *Failure with the same reason.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Reason == f.Reason
}

// Sentinel failures, one per reason.
var (
	ErrNoCredentials     = &Failure{Reason: ReasonNoCredentials, Message: ReasonNoCredentials.Message()}
	ErrMalformed         = &Failure{Reason: ReasonMalformed, Message: ReasonMalformed.Message()}
	ErrSignatureInvalid  = &Failure{Reason: ReasonSignatureInvalid, Message: ReasonSignatureInvalid.Message()}
	ErrExpired           = &Failure{Reason: ReasonExpired, Message: ReasonExpired.Message()}
	ErrNotFound          = &Failure{Reason: ReasonNotFound, Message: ReasonNotFound.Message()}
	ErrAlreadyRedeemed   = &Failure{Reason: ReasonAlreadyRedeemed, Message: ReasonAlreadyRedeemed.Message()}
	ErrKeyUnavailable    = &Failure{Reason: ReasonKeyUnavailable, Message: ReasonKeyUnavailable.Message()}
	ErrInsufficientScope = &Failure{Reason: ReasonInsufficientScope, Message: ReasonInsufficientScope.Message()}
	ErrRateLimited       = &Failure{Reason: ReasonRateLimited, Message: ReasonRateLimited.Message()}
)

// NewFailure creates a failure. An empty message uses the reason's default.
func NewFailure(reason Reason, message string, cause error) *Failure {
	if message == "" {
		message = reason.Message()
	}
	return &Failure{Reason: reason, Message: message, Err: cause}
}

// AsFailure converts any error into a *Failure. Errors that are not already
// failures are infrastructure faults, such as an unreachable ticket table,
// and become key_unavailable. Returns nil for a nil error.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(ReasonKeyUnavailable, "", err)
}
