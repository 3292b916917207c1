package auth

import (
	"log/slog"
	"net/http"

	"github.com/rhuss/restgate/pkg/api"
	"github.com/rhuss/restgate/pkg/observability"
)

// Denial is the structured rejection handed back to the transport. The
// caller must re-authenticate and resubmit; denials are never retried.
type Denial struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Status returns the HTTP status for the denial.
func (d *Denial) Status() int {
	return StatusFromReason(d.Reason)
}

// DenialFromFailure converts a failure into the client-visible denial. The
// underlying cause is dropped.
func DenialFromFailure(f *Failure) *Denial {
	return &Denial{Reason: f.Reason, Message: f.Message}
}

// Admission is the request admission boundary: it turns a raw request into
// either an admitted request carrying a principal, or a denial. It reads
// provider and store state but never mutates it itself.
type Admission struct {
	Chain   *Chain
	Limiter *FailureLimiter // optional
}

// NewAdmission creates an admission boundary. limiter may be nil.
func NewAdmission(chain *Chain, limiter *FailureLimiter) *Admission {
	return &Admission{Chain: chain, Limiter: limiter}
}

// Admit authenticates r. On success it returns a shallow copy of r whose
// context carries the principal.
func (a *Admission) Admit(r *http.Request) (*http.Request, *Denial) {
	creds := ExtractCredentials(r)

	if !a.Limiter.Allow(creds.RemoteAddr) {
		observability.RateLimitRejectedTotal.Inc()
		slog.Warn("client rate limited after repeated authentication failures",
			"remote_addr", creds.RemoteAddr,
			"path", r.URL.Path,
		)
		return nil, DenialFromFailure(ErrRateLimited)
	}

	result := a.Chain.Authenticate(r.Context(), creds)
	if result.Decision != Accepted {
		// Server-side faults are not the client's doing.
		if result.Failure.Reason != ReasonKeyUnavailable {
			a.Limiter.RecordFailure(creds.RemoteAddr)
		}
		return nil, DenialFromFailure(result.Failure)
	}

	return r.WithContext(SetPrincipal(r.Context(), result.Principal)), nil
}

// Middleware creates HTTP middleware from an Admission. Paths in
// bypassEndpoints skip authentication entirely.
func Middleware(admission *Admission, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			admitted, denial := admission.Admit(r)
			if denial != nil {
				WriteDenial(w, denial)
				return
			}

			next.ServeHTTP(w, admitted)
		})
	}
}

// WriteDenial writes d using the standard error envelope, with the reason
// as the error code.
func WriteDenial(w http.ResponseWriter, d *Denial) {
	status := d.Status()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="restgate"`)
	}
	api.WriteError(w, status, &api.APIError{
		Type:    api.ErrorTypeForStatus(status),
		Code:    string(d.Reason),
		Message: d.Message,
	})
}

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}
