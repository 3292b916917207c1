package auth

import (
	"net/http"
	"strings"
)

// Credential locations.
const (
	// TicketQueryParam carries a ticket in the URL, for clients such as
	// browsers opening a WebSocket that cannot set headers.
	TicketQueryParam = "ticket"

	// TicketHeader carries a ticket when no query parameter is present.
	TicketHeader = "X-Ticket"
)

// ExtractCredentials reads the candidate credentials from r. It never fails:
// a credential that is present but unusable is passed on as-is so that the
// responsible provider can reject it as malformed.
//
//   - Bearer: "Authorization: Bearer <token>". Other schemes are ignored.
//   - Ticket: query parameter "ticket", else header "X-Ticket".
func ExtractCredentials(r *http.Request) *Credentials {
	creds := &Credentials{RemoteAddr: r.RemoteAddr}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "Bearer") {
			creds.HasBearer = true
			creds.Bearer = strings.TrimSpace(token)
		}
	}

	if q := r.URL.Query(); q.Has(TicketQueryParam) {
		creds.HasTicket = true
		creds.Ticket = q.Get(TicketQueryParam)
	} else if v := r.Header.Get(TicketHeader); v != "" {
		creds.HasTicket = true
		creds.Ticket = strings.TrimSpace(v)
	}

	return creds
}
