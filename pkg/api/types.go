package api

import "time"

// TicketRequest is the body of POST /api/v3/auth/ticket.
type TicketRequest struct {
	// Scopes requested for the ticket. Empty means the caller's own scopes.
	Scopes []string `json:"scopes,omitempty"`

	// TTLSeconds overrides the default ticket lifetime. Zero uses the default.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// TicketResponse is returned when a ticket is issued. Ticket is shown
// exactly once; the server only keeps its hash.
type TicketResponse struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

// PrincipalResponse describes the admitted caller.
type PrincipalResponse struct {
	Subject   string     `json:"subject"`
	Scopes    []string   `json:"scopes"`
	Provider  string     `json:"provider"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RotateResponse is returned after an operator-triggered key rotation.
type RotateResponse struct {
	KeyID     string    `json:"kid"`
	CreatedAt time.Time `json:"created_at"`

	// VerificationKeys counts the keys that verify signatures after the
	// rotation, the new current key included.
	VerificationKeys int `json:"verification_keys"`
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
