package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/rhuss/restgate/pkg/debug"
	"github.com/rhuss/restgate/pkg/observability"
)

// AuthDecision represents the three possible outcomes of authentication.
type AuthDecision int

const (
	// Accepted means credentials are valid. The chain stops and the
	// principal is used.
	Accepted AuthDecision = iota

	// Rejected means credentials this provider handles are present but
	// invalid. The chain stops and the request is denied.
	Rejected

	// NotApplicable means this provider found no credentials it handles.
	// The chain continues to the next provider.
	NotApplicable
)

func (d AuthDecision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case NotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// AuthResult carries the outcome of an authentication attempt.
type AuthResult struct {
	Decision  AuthDecision
	Principal *Principal // populated only when Decision == Accepted
	Failure   *Failure   // populated only when Decision == Rejected

	// Provider names the provider that decided. Set by the chain.
	Provider string
}

// Accept returns an Accepted result for p.
func Accept(p *Principal) AuthResult {
	return AuthResult{Decision: Accepted, Principal: p}
}

// Reject returns a Rejected result. Errors that are not *Failure become
// key_unavailable.
func Reject(err error) AuthResult {
	return AuthResult{Decision: Rejected, Failure: AsFailure(err)}
}

// Abstain returns a NotApplicable result.
func Abstain() AuthResult {
	return AuthResult{Decision: NotApplicable}
}

// Principal is an authenticated caller. It is immutable: all fields are
// unexported and accessors return copies.
type Principal struct {
	subject   string
	scopes    []string
	provider  string
	expiresAt time.Time
}

// NewPrincipal creates a principal. A zero expiresAt means the principal
// carries no expiry of its own.
func NewPrincipal(subject string, scopes []string, provider string, expiresAt time.Time) *Principal {
	return &Principal{
		subject:   subject,
		scopes:    slices.Clone(scopes),
		provider:  provider,
		expiresAt: expiresAt,
	}
}

// Subject is the unique caller identifier.
func (p *Principal) Subject() string { return p.subject }

// Scopes returns a copy of the granted scopes, in issuance order.
func (p *Principal) Scopes() []string { return slices.Clone(p.scopes) }

// Provider names the provider that authenticated the caller.
func (p *Principal) Provider() string { return p.provider }

// ExpiresAt returns the credential expiry, or the zero time.
func (p *Principal) ExpiresAt() time.Time { return p.expiresAt }

// HasScope reports whether the principal holds scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.scopes, scope)
}

// HasAllScopes reports whether the principal holds every scope in want.
func (p *Principal) HasAllScopes(want []string) bool {
	for _, s := range want {
		if !p.HasScope(s) {
			return false
		}
	}
	return true
}

// MarshalJSON renders the principal for logs and debugging endpoints.
func (p *Principal) MarshalJSON() ([]byte, error) {
	type view struct {
		Subject   string     `json:"subject"`
		Scopes    []string   `json:"scopes"`
		Provider  string     `json:"provider"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	v := view{Subject: p.subject, Scopes: p.scopes, Provider: p.provider}
	if v.Scopes == nil {
		v.Scopes = []string{}
	}
	if !p.expiresAt.IsZero() {
		exp := p.expiresAt
		v.ExpiresAt = &exp
	}
	return json.Marshal(v)
}

// Credentials are the candidate credentials extracted from one request.
// Either, both or neither may be present.
type Credentials struct {
	Bearer    string
	HasBearer bool

	Ticket    string
	HasTicket bool

	// RemoteAddr is the client address as resolved by the transport.
	RemoteAddr string
}

// Authenticator inspects request credentials and returns a three-outcome
// vote. Implementations must return NotApplicable when the credential they
// handle is absent, and must never panic on malformed input.
type Authenticator interface {
	// Name is the provider tag recorded on principals and metrics.
	Name() string

	Authenticate(ctx context.Context, creds *Credentials) AuthResult
}

// Chain evaluates authenticators in order. The first Accepted or Rejected
// result is final; a Chain in which every authenticator abstains rejects
// with no_credentials_presented.
type Chain struct {
	// Authenticators are evaluated left to right.
	Authenticators []Authenticator
}

// NewChain creates a chain evaluating authenticators in the given order.
func NewChain(authenticators ...Authenticator) *Chain {
	return &Chain{Authenticators: authenticators}
}

// Authenticate runs the chain and returns exactly one verdict.
func (c *Chain) Authenticate(ctx context.Context, creds *Credentials) AuthResult {
	if debug.TraceIsEnabled("auth") {
		names := make([]string, len(c.Authenticators))
		for i, authn := range c.Authenticators {
			names[i] = authn.Name()
		}
		debug.Trace("auth", "authenticating request",
			"bearer", creds.HasBearer, "ticket", creds.HasTicket, "providers", names)
	}
	for _, authn := range c.Authenticators {
		result := authn.Authenticate(ctx, creds)
		if result.Decision == NotApplicable {
			debug.Log("auth", "provider abstained", "provider", authn.Name())
			continue
		}
		result.Provider = authn.Name()
		return c.record(ctx, checkResult(result), creds)
	}

	return c.record(ctx, AuthResult{
		Decision: Rejected,
		Failure:  ErrNoCredentials,
		Provider: "none",
	}, creds)
}

// checkResult guards against providers that break the result contract.
func checkResult(result AuthResult) AuthResult {
	switch result.Decision {
	case Accepted:
		if result.Principal == nil || result.Principal.Subject() == "" {
			slog.Error("authenticator accepted without a subject", "provider", result.Provider)
			return AuthResult{
				Decision: Rejected,
				Failure:  NewFailure(ReasonKeyUnavailable, "internal authentication error", nil),
				Provider: result.Provider,
			}
		}
	case Rejected:
		if result.Failure == nil {
			result.Failure = NewFailure(ReasonKeyUnavailable, "internal authentication error", nil)
		}
	}
	return result
}

// record emits metrics and logs for the final verdict.
func (c *Chain) record(ctx context.Context, result AuthResult, creds *Credentials) AuthResult {
	var reason string
	if result.Failure != nil {
		reason = string(result.Failure.Reason)
	}
	observability.AuthDecisionsTotal.WithLabelValues(result.Provider, result.Decision.String(), reason).Inc()

	switch {
	case result.Decision == Accepted:
		debug.Log("auth", "authentication succeeded",
			"provider", result.Provider,
			"subject", result.Principal.Subject(),
			"remote_addr", creds.RemoteAddr,
		)
	case result.Failure.Reason == ReasonKeyUnavailable:
		slog.ErrorContext(ctx, "authentication failed on server side",
			"provider", result.Provider,
			"remote_addr", creds.RemoteAddr,
			"error", result.Failure,
		)
	case result.Failure.Reason.SecurityEvent():
		slog.WarnContext(ctx, "rejected credential",
			"provider", result.Provider,
			"reason", result.Failure.Reason,
			"remote_addr", creds.RemoteAddr,
			"error", result.Failure,
		)
	default:
		debug.Log("auth", "authentication rejected",
			"provider", result.Provider,
			"reason", result.Failure.Reason,
			"remote_addr", creds.RemoteAddr,
		)
	}
	return result
}
