// Package auth decides, for every inbound request, who the caller is and
// whether the caller may proceed.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each provider returns Accepted (principal found), Rejected
// (credentials it handles are invalid) or NotApplicable (nothing for it to
// inspect). The first Accepted or Rejected verdict is final. When every
// provider abstains the chain rejects with no_credentials_presented; there
// is no anonymous fallback.
//
// Admission wraps the chain for HTTP: it extracts credentials, applies the
// per-address failure limiter, and either attaches the immutable Principal
// to the request context or produces a Denial with a stable reason code.
// Every failure crossing this package's boundary is a *Failure; raw errors
// from token parsing or ticket tables are translated at the provider.
//
// The bearer token and ticket providers live in the token and ticket
// sub-packages.
package auth
