package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rhuss/restgate/pkg/credential"
	"github.com/rhuss/restgate/pkg/debug"
	"github.com/rhuss/restgate/pkg/transport"
	httptransport "github.com/rhuss/restgate/pkg/transport/http"
)

// knownProviders are the authenticator names accepted in auth.providers.
var knownProviders = []string{"token", "ticket"}

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.Auth.validate()...)
	errs = append(errs, c.Tickets.validate()...)

	if !debug.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of ERROR, WARN, INFO, DEBUG, TRACE, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (s *ServerConfig) validate() []error {
	var errs []error

	if s.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	mode := httptransport.ProxyMode(s.ProxyMode)
	if !mode.Valid() {
		errs = append(errs, fmt.Errorf("server.proxy_mode must be \"disabled\", \"optional\", \"required\" or \"forwarded\", got %q", s.ProxyMode))
	}

	prefixes, err := transport.ParseTrustedProxies(s.TrustedProxies)
	if err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	} else if mode.Valid() && mode != httptransport.ProxyDisabled && len(prefixes) == 0 {
		errs = append(errs, fmt.Errorf("server.trusted_proxies is required when server.proxy_mode is %q", s.ProxyMode))
	}

	return errs
}

func (a *AuthConfig) validate() []error {
	var errs []error

	if a.Audience == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	if a.SigningSecret != "" && len(a.SigningSecret) < credential.MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.signing_secret must be at least %d bytes", credential.MinSecretLength))
	}

	if a.TokenDefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.token_default_ttl must be > 0, got %s", a.TokenDefaultTTL))
	}
	if a.TokenMaxTTL < a.TokenDefaultTTL {
		errs = append(errs, fmt.Errorf("auth.token_max_ttl (%s) must be >= auth.token_default_ttl (%s)", a.TokenMaxTTL, a.TokenDefaultTTL))
	}
	if a.KeyGracePeriod < a.TokenMaxTTL {
		errs = append(errs, fmt.Errorf("auth.key_grace_period (%s) must be >= auth.token_max_ttl (%s)", a.KeyGracePeriod, a.TokenMaxTTL))
	}
	if a.KeyHistory < 1 {
		errs = append(errs, fmt.Errorf("auth.key_history must be >= 1, got %d", a.KeyHistory))
	}
	if a.RotationInterval < 0 {
		errs = append(errs, fmt.Errorf("auth.rotation_interval must not be negative, got %s", a.RotationInterval))
	}
	// Retired keys must all fit in the history for the whole grace window,
	// or scheduled rotations get refused.
	if a.RotationInterval > 0 && a.KeyHistory >= 1 && time.Duration(a.KeyHistory)*a.RotationInterval < a.KeyGracePeriod {
		errs = append(errs, fmt.Errorf("auth.key_history (%d) * auth.rotation_interval (%s) must be >= auth.key_grace_period (%s)",
			a.KeyHistory, a.RotationInterval, a.KeyGracePeriod))
	}

	if len(a.Providers) == 0 {
		errs = append(errs, errors.New("auth.providers must name at least one provider"))
	}
	seen := make(map[string]bool, len(a.Providers))
	for i, name := range a.Providers {
		if !slices.Contains(knownProviders, name) {
			errs = append(errs, fmt.Errorf("auth.providers[%d] must be \"token\" or \"ticket\", got %q", i, name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("auth.providers[%d]: %q listed twice", i, name))
		}
		seen[name] = true
	}

	if a.FailureLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("auth.failure_limit.burst must not be negative, got %d", a.FailureLimit.Burst))
	}
	if a.FailureLimit.Burst > 0 && a.FailureLimit.Window <= 0 {
		errs = append(errs, errors.New("auth.failure_limit.window must be > 0 when auth.failure_limit.burst is set"))
	}

	return errs
}

func (t *TicketsConfig) validate() []error {
	var errs []error

	switch t.Store {
	case "memory":
	case "postgres":
		if t.Postgres.DSN == "" {
			errs = append(errs, errors.New("tickets.postgres.dsn or tickets.postgres.dsn_file is required when tickets.store is \"postgres\""))
		}
	case "redis":
		if t.Redis.Addr == "" {
			errs = append(errs, errors.New("tickets.redis.addr is required when tickets.store is \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("tickets.store must be \"memory\", \"postgres\" or \"redis\", got %q", t.Store))
	}

	if t.MaxTickets < 0 {
		errs = append(errs, fmt.Errorf("tickets.max_tickets must not be negative, got %d", t.MaxTickets))
	}
	if t.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("tickets.default_ttl must be > 0, got %s", t.DefaultTTL))
	}
	if t.MaxTTL < t.DefaultTTL {
		errs = append(errs, fmt.Errorf("tickets.max_ttl (%s) must be >= tickets.default_ttl (%s)", t.MaxTTL, t.DefaultTTL))
	}
	if t.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("tickets.sweep_interval must not be negative, got %s", t.SweepInterval))
	}

	return errs
}
