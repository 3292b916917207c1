package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/restgate/pkg/api"
	"github.com/rhuss/restgate/pkg/auth"
	"github.com/rhuss/restgate/pkg/auth/ticket"
	"github.com/rhuss/restgate/pkg/auth/token"
	"github.com/rhuss/restgate/pkg/credential"
)

// Scopes guarding the auth endpoints.
const (
	ScopeTicket = "rest:ticket"
	ScopeAdmin  = "rest:admin"
)

// maxBodySize bounds request bodies on the auth endpoints.
const maxBodySize = 64 << 10

// Routes holds the dependencies of the auth endpoints.
type Routes struct {
	Store      *credential.Store
	Tickets    *ticket.Provider
	Admission  *auth.Admission
	Validation api.ValidationConfig

	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Handler builds the routed handler. Everything except the health and
// metrics endpoints runs behind admission.
func (rt *Routes) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v3/auth/ticket",
		auth.RequireProvider(token.Name)(
			auth.RequireScopes(ScopeTicket)(http.HandlerFunc(rt.handleIssueTicket))))
	mux.HandleFunc("GET /api/v3/auth/principal", rt.handlePrincipal)
	mux.Handle("POST /api/v3/auth/keys/rotate",
		auth.RequireScopes(ScopeAdmin)(http.HandlerFunc(rt.handleRotate)))

	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.HandleFunc("GET /readyz", rt.handleReady)
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, api.NewNotFoundError("no route for "+r.URL.Path))
	})

	return auth.Middleware(rt.Admission, auth.DefaultBypassEndpoints)(mux)
}

// handleIssueTicket handles POST /api/v3/auth/ticket.
func (rt *Routes) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var req api.TicketRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		api.WriteError(w, http.StatusRequestEntityTooLarge,
			api.NewInvalidRequestError("", "request body too large"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest,
				api.NewInvalidRequestError("", "invalid JSON: "+err.Error()))
			return
		}
	}

	if apiErr := api.ValidateTicketRequest(&req, rt.Validation); apiErr != nil {
		api.WriteError(w, http.StatusBadRequest, apiErr)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	t, err := rt.Tickets.IssueFor(r.Context(), principal, req.Scopes, ttl)
	if err != nil {
		var f *auth.Failure
		switch {
		case errors.As(err, &f):
			auth.WriteDenial(w, auth.DenialFromFailure(f))
		case errors.Is(err, ticket.ErrInvalidScope):
			api.WriteError(w, http.StatusBadRequest, api.NewInvalidRequestError("scopes", err.Error()))
		case errors.Is(err, credential.ErrCapacity):
			slog.Warn("ticket table full", "subject", principal.Subject())
			api.WriteError(w, http.StatusServiceUnavailable, &api.APIError{
				Type:    api.ErrorTypeUnavailable,
				Code:    "ticket_capacity",
				Message: "too many outstanding tickets",
			})
		default:
			slog.Error("ticket issuance failed", "subject", principal.Subject(), "error", err)
			auth.WriteDenial(w, auth.DenialFromFailure(auth.ErrKeyUnavailable))
		}
		return
	}

	scopes := t.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	api.WriteJSON(w, http.StatusCreated, api.TicketResponse{
		Ticket:    t.ID,
		ExpiresAt: t.ExpiresAt,
		Scopes:    scopes,
	})
}

// handlePrincipal handles GET /api/v3/auth/principal.
func (rt *Routes) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())

	resp := api.PrincipalResponse{
		Subject:  p.Subject(),
		Scopes:   p.Scopes(),
		Provider: p.Provider(),
	}
	if resp.Scopes == nil {
		resp.Scopes = []string{}
	}
	if exp := p.ExpiresAt(); !exp.IsZero() {
		resp.ExpiresAt = &exp
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleRotate handles POST /api/v3/auth/keys/rotate.
func (rt *Routes) handleRotate(w http.ResponseWriter, r *http.Request) {
	key, err := rt.Store.Keys.Rotate()
	switch {
	case errors.Is(err, credential.ErrKeyHistoryFull):
		slog.Warn("key rotation refused", "error", err)
		api.WriteError(w, http.StatusConflict, &api.APIError{
			Type:    api.ErrorTypeConflict,
			Code:    "key_history_full",
			Message: "every retired signing key is still inside its grace window; retry later",
		})
		return
	case err != nil:
		slog.Error("key rotation failed", "error", err)
		api.WriteError(w, http.StatusInternalServerError, api.NewServerError("key rotation failed"))
		return
	}

	slog.Info("signing key rotated by operator",
		"kid", key.ID,
		"subject", auth.PrincipalFromContext(r.Context()).Subject(),
	)
	api.WriteJSON(w, http.StatusOK, api.RotateResponse{
		KeyID:            key.ID,
		CreatedAt:        key.CreatedAt,
		VerificationKeys: len(rt.Store.Keys.VerificationKeys()),
	})
}

// handleHealth handles GET /healthz. It only reports that the process is
// serving.
func (rt *Routes) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

// handleReady handles GET /readyz: a signing key is installed and the
// ticket table is reachable.
func (rt *Routes) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := rt.Store.Ready(r.Context()); err != nil {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.HealthResponse{
			Status: "unavailable",
			Error:  err.Error(),
		})
		return
	}
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}
