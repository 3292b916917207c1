package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// RequireScopes returns middleware that lets a request through only if the
// admitted principal holds every listed scope. It must run behind
// Middleware.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				WriteDenial(w, DenialFromFailure(ErrNoCredentials))
				return
			}
			if !p.HasAllScopes(scopes) {
				WriteDenial(w, &Denial{
					Reason:  ReasonInsufficientScope,
					Message: fmt.Sprintf("requires scope %s", strings.Join(scopes, " ")),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireProvider returns middleware that only admits principals issued by
// one of the named providers. Ticket issuance uses it so that a ticket can
// never be exchanged for another ticket.
func RequireProvider(providers ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				WriteDenial(w, DenialFromFailure(ErrNoCredentials))
				return
			}
			for _, name := range providers {
				if p.Provider() == name {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteDenial(w, &Denial{
				Reason:  ReasonInsufficientScope,
				Message: fmt.Sprintf("credential type %s not accepted here", p.Provider()),
			})
		})
	}
}
