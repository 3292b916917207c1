// Package token issues and verifies HS256 bearer tokens signed with the
// credential store's key ring.
//
// Every token carries the signing key id in its kid header. Verification
// looks the key up in the ring, so tokens signed with a retired key keep
// verifying until that key's grace window ends.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rhuss/restgate/pkg/api"
	"github.com/rhuss/restgate/pkg/auth"
	"github.com/rhuss/restgate/pkg/credential"
	"github.com/rhuss/restgate/pkg/debug"
)

// Name is the provider tag recorded on principals issued from bearer tokens.
const Name = "token"

// ErrInvalidScope is returned by Issue for a scope that would not survive
// the space-separated scope claim.
var ErrInvalidScope = errors.New("invalid scope")

// Config holds the token provider configuration.
type Config struct {
	// Audience is placed in and required on every token.
	Audience string

	// Issuer is placed in every token. If empty, issuer is not validated.
	Issuer string

	// DefaultTTL applies when Issue is called with a zero ttl. Default: 1 hour.
	DefaultTTL time.Duration

	// MaxTTL caps the lifetime of issued tokens. Default: 24 hours.
	MaxTTL time.Duration

	// Clock overrides the time source. Used in tests.
	Clock func() time.Time
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Audience == "" {
		c.Audience = "restgate"
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Claims is the token payload. Scopes travel as a space-separated "scope"
// claim.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwtlib.RegisteredClaims
}

// Provider issues and verifies bearer tokens.
type Provider struct {
	store  *credential.Store
	config Config
}

var _ auth.Authenticator = (*Provider)(nil)

// New creates a token provider backed by store's key ring.
func New(store *credential.Store, cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{store: store, config: cfg}
}

// Name implements auth.Authenticator.
func (p *Provider) Name() string { return Name }

// Issue signs a token for subject with the current key. A zero ttl uses the
// configured default; ttls above the maximum are capped. It fails with
// key_unavailable when the ring has no current key.
func (p *Provider) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	for _, s := range scopes {
		if !api.ValidScope(s) {
			return "", fmt.Errorf("%w %q", ErrInvalidScope, s)
		}
	}
	if ttl <= 0 {
		ttl = p.config.DefaultTTL
	}
	if ttl > p.config.MaxTTL {
		ttl = p.config.MaxTTL
	}

	key, err := p.store.Keys.Current()
	if err != nil {
		return "", auth.NewFailure(auth.ReasonKeyUnavailable, "no signing key configured", err)
	}

	now := p.config.Clock()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    p.config.Issuer,
			Audience:  jwtlib.ClaimStrings{p.config.Audience},
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	tok.Header["kid"] = key.ID

	signed, err := tok.SignedString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	debug.Log("keys", "token issued", "subject", subject, "kid", key.ID, "ttl", ttl)
	return signed, nil
}

// Verify parses and validates a token. It fails with malformed,
// signature_invalid or expired.
func (p *Provider) Verify(tokenStr string) (*auth.Principal, error) {
	var claims Claims
	_, err := jwtlib.ParseWithClaims(tokenStr, &claims, p.keyFunc, p.parserOptions()...)
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, auth.NewFailure(auth.ReasonMalformed, "token has no subject", nil)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return auth.NewPrincipal(claims.Subject, strings.Fields(claims.Scope), Name, expiresAt), nil
}

// Authenticate implements auth.Authenticator. It abstains when no bearer
// token was presented.
func (p *Provider) Authenticate(_ context.Context, creds *auth.Credentials) auth.AuthResult {
	if !creds.HasBearer {
		return auth.Abstain()
	}
	if creds.Bearer == "" {
		return auth.Reject(auth.NewFailure(auth.ReasonMalformed, "empty bearer token", nil))
	}

	principal, err := p.Verify(creds.Bearer)
	if err != nil {
		return auth.Reject(err)
	}
	return auth.Accept(principal)
}

// keyFunc resolves the verification key from the kid header. Unknown ids
// and keys past their grace window fail signature verification.
func (p *Provider) keyFunc(tok *jwtlib.Token) (interface{}, error) {
	kid, ok := tok.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("token missing kid header")
	}

	key, err := p.store.Keys.VerificationKey(kid)
	if err != nil {
		return nil, err
	}
	return key.Secret, nil
}

// parserOptions builds JWT parser options based on the configuration.
func (p *Provider) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithAudience(p.config.Audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithTimeFunc(p.config.Clock),
	}
	if p.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(p.config.Issuer))
	}
	return opts
}

// classify maps jwt library errors to failures. Signature problems are
// checked first: claims are only validated once the signature holds.
func classify(err error) *auth.Failure {
	switch {
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return auth.NewFailure(auth.ReasonMalformed, "", err)
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid),
		errors.Is(err, jwtlib.ErrTokenUnverifiable),
		errors.Is(err, jwtlib.ErrTokenInvalidAudience),
		errors.Is(err, jwtlib.ErrTokenInvalidIssuer):
		return auth.NewFailure(auth.ReasonSignatureInvalid, "", err)
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return auth.NewFailure(auth.ReasonExpired, "", err)
	default:
		// Not yet valid, issued in the future, or missing required claims.
		return auth.NewFailure(auth.ReasonMalformed, "", err)
	}
}
