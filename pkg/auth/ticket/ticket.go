// Package ticket issues and redeems single-use tickets.
//
// A ticket is an opaque random identifier handed to an already
// authenticated caller, typically so that a browser can open a WebSocket
// without setting an Authorization header. The ticket table only ever sees
// the SHA-256 hash of the identifier. Redemption is exactly-once: the table
// flips the ticket to redeemed atomically, and every later attempt fails
// with already_redeemed.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/restgate/pkg/api"
	"github.com/rhuss/restgate/pkg/auth"
	"github.com/rhuss/restgate/pkg/credential"
	"github.com/rhuss/restgate/pkg/debug"
	"github.com/rhuss/restgate/pkg/observability"
)

// Name is the provider tag recorded on principals admitted by ticket.
const Name = "ticket"

// idBytes is the entropy of a ticket identifier.
const idBytes = 32

// maxIDLength bounds what is hashed and looked up. Real identifiers are 43
// characters long.
const maxIDLength = 256

// invalidMessage is shared by not_found and expired so that callers cannot
// tell an unknown ticket from a lapsed one.
const invalidMessage = "ticket is not valid"

// ErrScopeNotHeld is returned by IssueFor when the requested scopes are not
// a subset of the issuer's.
var ErrScopeNotHeld = auth.NewFailure(auth.ReasonInsufficientScope,
	"requested scopes exceed the caller's scopes", nil)

// ErrInvalidScope is returned by Issue for a malformed scope token.
var ErrInvalidScope = errors.New("invalid scope")

// Ticket is a freshly issued ticket. ID is only ever returned here; the
// table stores its hash.
type Ticket struct {
	ID        string
	Subject   string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Config holds the ticket provider configuration.
type Config struct {
	// DefaultTTL applies when Issue is called with a zero ttl. Default: 30s.
	DefaultTTL time.Duration

	// MaxTTL caps ticket lifetimes. Default: 5 minutes.
	MaxTTL time.Duration

	// Clock overrides the time source. Used in tests.
	Clock func() time.Time
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Provider issues and redeems tickets against the store's ticket table.
type Provider struct {
	store  *credential.Store
	config Config
}

var _ auth.Authenticator = (*Provider)(nil)

// New creates a ticket provider backed by store's ticket table.
func New(store *credential.Store, cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{store: store, config: cfg}
}

// Name implements auth.Authenticator.
func (p *Provider) Name() string { return Name }

// Issue creates an unredeemed ticket bound to subject and scopes. A zero
// ttl uses the configured default; ttls above the maximum are capped.
func (p *Provider) Issue(ctx context.Context, subject string, scopes []string, ttl time.Duration) (*Ticket, error) {
	if subject == "" {
		return nil, errors.New("ticket subject is required")
	}
	for _, s := range scopes {
		if !api.ValidScope(s) {
			return nil, fmt.Errorf("%w %q", ErrInvalidScope, s)
		}
	}
	if ttl <= 0 {
		ttl = p.config.DefaultTTL
	}
	if ttl > p.config.MaxTTL {
		ttl = p.config.MaxTTL
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	now := p.config.Clock()
	t := &Ticket{
		ID:        id,
		Subject:   subject,
		Scopes:    append([]string(nil), scopes...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err = p.store.Tickets.Insert(ctx, &credential.TicketRecord{
		Key:       credential.HashTicketID(id),
		Subject:   t.Subject,
		Scopes:    t.Scopes,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("storing ticket: %w", err)
	}

	observability.TicketsIssuedTotal.Inc()
	debug.Log("tickets", "ticket issued", "subject", subject, "scopes", scopes, "expires_at", t.ExpiresAt)
	return t, nil
}

// IssueFor issues a ticket on behalf of an authenticated principal. The
// ticket may only carry scopes the issuer holds; an empty request inherits
// all of the issuer's scopes.
func (p *Provider) IssueFor(ctx context.Context, issuer *auth.Principal, requested []string, ttl time.Duration) (*Ticket, error) {
	scopes := requested
	if len(scopes) == 0 {
		scopes = issuer.Scopes()
	} else if !issuer.HasAllScopes(scopes) {
		return nil, ErrScopeNotHeld
	}
	return p.Issue(ctx, issuer.Subject(), scopes, ttl)
}

// Redeem consumes the ticket with the given identifier and returns the
// principal it was bound to. It fails with not_found, already_redeemed or
// expired; a table outage becomes key_unavailable.
func (p *Provider) Redeem(ctx context.Context, id string) (*auth.Principal, error) {
	if id == "" || len(id) > maxIDLength {
		p.recordRedemption(auth.ReasonMalformed)
		return nil, auth.NewFailure(auth.ReasonMalformed, "ticket is malformed", nil)
	}

	key := credential.HashTicketID(id)
	debug.Trace("tickets", "redeeming ticket", "key", key[:12])
	rec, err := p.store.Tickets.Redeem(ctx, key, p.config.Clock())
	if err != nil {
		f := redeemFailure(err)
		p.recordRedemption(f.Reason)
		return nil, f
	}

	p.recordRedemption("")
	debug.Log("tickets", "ticket redeemed", "subject", rec.Subject)
	return auth.NewPrincipal(rec.Subject, rec.Scopes, Name, rec.ExpiresAt), nil
}

// Authenticate implements auth.Authenticator. It abstains when no ticket
// was presented.
func (p *Provider) Authenticate(ctx context.Context, creds *auth.Credentials) auth.AuthResult {
	if !creds.HasTicket {
		return auth.Abstain()
	}

	principal, err := p.Redeem(ctx, creds.Ticket)
	if err != nil {
		return auth.Reject(err)
	}
	return auth.Accept(principal)
}

func (p *Provider) recordRedemption(reason auth.Reason) {
	result := "accepted"
	if reason != "" {
		result = string(reason)
	}
	observability.TicketRedemptionsTotal.WithLabelValues(result).Inc()
}

// redeemFailure maps ticket table errors to failures.
func redeemFailure(err error) *auth.Failure {
	switch {
	case errors.Is(err, credential.ErrTicketNotFound):
		return auth.NewFailure(auth.ReasonNotFound, invalidMessage, err)
	case errors.Is(err, credential.ErrTicketExpired):
		return auth.NewFailure(auth.ReasonExpired, invalidMessage, err)
	case errors.Is(err, credential.ErrTicketRedeemed):
		return auth.NewFailure(auth.ReasonAlreadyRedeemed, "", err)
	default:
		return auth.NewFailure(auth.ReasonKeyUnavailable, "", err)
	}
}

// newID returns a random URL-safe ticket identifier.
func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating ticket id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
