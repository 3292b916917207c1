package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	gohttp "net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/restgate/pkg/api"
	"github.com/rhuss/restgate/pkg/auth"
	"github.com/rhuss/restgate/pkg/auth/ticket"
	"github.com/rhuss/restgate/pkg/auth/token"
	"github.com/rhuss/restgate/pkg/credential"
)

type fixture struct {
	store   *credential.Store
	tokens  *token.Provider
	tickets *ticket.Provider
	routes  *Routes
}

func newFixture(t *testing.T, installKey bool) *fixture {
	t.Helper()
	keys := credential.NewKeyRing(credential.WithGracePeriod(time.Hour))
	if installKey {
		if _, err := keys.Rotate(); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}
	store := credential.NewStore(keys, credential.NewMemoryTickets(100))
	tokens := token.New(store, token.Config{Audience: "restgate"})
	tickets := ticket.New(store, ticket.Config{})

	return &fixture{
		store:   store,
		tokens:  tokens,
		tickets: tickets,
		routes: &Routes{
			Store:      store,
			Tickets:    tickets,
			Admission:  auth.NewAdmission(auth.NewChain(tokens, tickets), nil),
			Validation: api.DefaultValidationConfig(),
			Metrics:    promhttp.Handler(),
		},
	}
}

func (f *fixture) mint(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := f.tokens.Issue(subject, scopes, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves handler on a loopback listener until the test ends.
func startServer(t *testing.T, handler gohttp.Handler, opts ...ServerOption) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	srv := NewServer(handler, append([]ServerOption{WithLogger(quietLogger())}, opts...)...)
	go func() {
		defer close(done)
		srv.ServeOn(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func do(t *testing.T, method, url, bearer string, body any) (*gohttp.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := gohttp.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := gohttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == nil {
		t.Fatalf("not an error envelope: %s", data)
	}
	return body.Error.Code
}

func TestServer_TicketFlow(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())
	bearer := f.mint(t, "alice", ScopeTicket, "rest:events")

	// Issue a ticket restricted to one scope.
	resp, data := do(t, "POST", base+"/api/v3/auth/ticket", bearer,
		api.TicketRequest{Scopes: []string{"rest:events"}, TTLSeconds: 60})
	if resp.StatusCode != gohttp.StatusCreated {
		t.Fatalf("issue status = %d, want 201: %s", resp.StatusCode, data)
	}
	var issued api.TicketResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if issued.Ticket == "" || len(issued.Scopes) != 1 || issued.Scopes[0] != "rest:events" {
		t.Fatalf("unexpected ticket response: %+v", issued)
	}

	// Redeem it via query parameter.
	resp, data = do(t, "GET", base+"/api/v3/auth/principal?ticket="+issued.Ticket, "", nil)
	if resp.StatusCode != gohttp.StatusOK {
		t.Fatalf("redeem status = %d, want 200: %s", resp.StatusCode, data)
	}
	var principal api.PrincipalResponse
	json.Unmarshal(data, &principal)
	if principal.Subject != "alice" || principal.Provider != ticket.Name {
		t.Errorf("principal = %+v, want alice via ticket", principal)
	}

	// A replay is rejected with 410.
	resp, data = do(t, "GET", base+"/api/v3/auth/principal?ticket="+issued.Ticket, "", nil)
	if resp.StatusCode != gohttp.StatusGone {
		t.Errorf("replay status = %d, want 410", resp.StatusCode)
	}
	if code := errorCode(t, data); code != string(auth.ReasonAlreadyRedeemed) {
		t.Errorf("replay code = %q, want already_redeemed", code)
	}
}

func TestServer_PrincipalWithBearer(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())

	resp, data := do(t, "GET", base+"/api/v3/auth/principal", f.mint(t, "bob", "rest:read"), nil)
	if resp.StatusCode != gohttp.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, data)
	}
	var principal api.PrincipalResponse
	json.Unmarshal(data, &principal)
	if principal.Subject != "bob" || principal.Provider != token.Name || principal.ExpiresAt == nil {
		t.Errorf("principal = %+v", principal)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response should carry a request ID")
	}
}

func TestServer_Denials(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())

	tests := []struct {
		name   string
		bearer string
		path   string
		status int
		code   string
	}{
		{"no credentials", "", "/api/v3/auth/principal", 401, string(auth.ReasonNoCredentials)},
		{"malformed bearer", "garbage", "/api/v3/auth/principal", 401, string(auth.ReasonMalformed)},
		{"unknown ticket", "", "/api/v3/auth/principal?ticket=nope", 401, string(auth.ReasonNotFound)},
		{"unknown route", "", "/api/v3/other", 401, string(auth.ReasonNoCredentials)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, "GET", base+tt.path, tt.bearer, nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if code := errorCode(t, data); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestRoutes_TicketIssuance(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())
	bearer := f.mint(t, "alice", ScopeTicket)

	tests := []struct {
		name   string
		bearer string
		body   any
		status int
	}{
		{"scope not held", bearer, api.TicketRequest{Scopes: []string{"rest:admin"}}, 403},
		{"invalid scope token", bearer, api.TicketRequest{Scopes: []string{"has space"}}, 400},
		{"ttl too long", bearer, api.TicketRequest{TTLSeconds: 3600}, 400},
		{"negative ttl", bearer, api.TicketRequest{TTLSeconds: -1}, 400},
		{"bad json", bearer, "not an object", 400},
		{"missing rest:ticket scope", f.mint(t, "bob", "rest:read"), nil, 403},
		{"empty body inherits scopes", bearer, nil, 201},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, "POST", base+"/api/v3/auth/ticket", tt.bearer, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.status, data)
			}
		})
	}
}

func TestRoutes_TicketCannotMintTicket(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())

	tk, err := f.tickets.Issue(context.Background(), "alice", []string{ScopeTicket}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req, _ := gohttp.NewRequest("POST", base+"/api/v3/auth/ticket", nil)
	req.Header.Set("X-Ticket", tk.ID)
	resp, err := gohttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != gohttp.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRoutes_RotateKeepsOutstandingTokens(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())
	admin := f.mint(t, "root", ScopeAdmin)
	user := f.mint(t, "bob", "rest:read")

	resp, _ := do(t, "POST", base+"/api/v3/auth/keys/rotate", user, nil)
	if resp.StatusCode != gohttp.StatusForbidden {
		t.Errorf("rotate without admin scope: status = %d, want 403", resp.StatusCode)
	}

	before, _ := f.store.Keys.Current()
	resp, data := do(t, "POST", base+"/api/v3/auth/keys/rotate", admin, nil)
	if resp.StatusCode != gohttp.StatusOK {
		t.Fatalf("rotate status = %d, want 200: %s", resp.StatusCode, data)
	}
	var rotated api.RotateResponse
	json.Unmarshal(data, &rotated)
	if rotated.KeyID == "" || rotated.KeyID == before.ID {
		t.Errorf("kid = %q, want a new key id", rotated.KeyID)
	}
	if rotated.VerificationKeys != 2 {
		t.Errorf("verification_keys = %d, want 2", rotated.VerificationKeys)
	}

	resp, _ = do(t, "GET", base+"/api/v3/auth/principal", user, nil)
	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("token signed before rotation: status = %d, want 200", resp.StatusCode)
	}
}

func TestRoutes_RotateRefusedWhileHistoryInGrace(t *testing.T) {
	f := newFixture(t, true)
	base := "http://" + startServer(t, f.routes.Handler())
	admin := f.mint(t, "root", ScopeAdmin)
	user := f.mint(t, "bob", "rest:read")

	// Fill the default history of eight retired keys, all inside grace.
	for i := 0; i < 8; i++ {
		if _, err := f.store.Keys.Rotate(); err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
	}
	before, _ := f.store.Keys.Current()

	resp, data := do(t, "POST", base+"/api/v3/auth/keys/rotate", admin, nil)
	if resp.StatusCode != gohttp.StatusConflict {
		t.Fatalf("rotate status = %d, want 409: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "key_history_full" {
		t.Errorf("code = %q, want key_history_full", code)
	}

	after, _ := f.store.Keys.Current()
	if after.ID != before.ID {
		t.Errorf("current key changed on refused rotation")
	}
	resp, _ = do(t, "GET", base+"/api/v3/auth/principal", user, nil)
	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("token signed with the oldest retired key: status = %d, want 200", resp.StatusCode)
	}
}

func TestRoutes_Health(t *testing.T) {
	ready := newFixture(t, true)
	base := "http://" + startServer(t, ready.routes.Handler())

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := do(t, "GET", base+path, "", nil)
		if resp.StatusCode != gohttp.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, resp.StatusCode)
		}
	}

	notReady := newFixture(t, false)
	base = "http://" + startServer(t, notReady.routes.Handler())

	resp, data := do(t, "GET", base+"/readyz", "", nil)
	if resp.StatusCode != gohttp.StatusServiceUnavailable {
		t.Errorf("readyz without key: status = %d, want 503", resp.StatusCode)
	}
	var health api.HealthResponse
	json.Unmarshal(data, &health)
	if health.Status != "unavailable" || health.Error == "" {
		t.Errorf("health = %+v", health)
	}
}

func TestRoutes_MetricsDisabled(t *testing.T) {
	f := newFixture(t, true)
	f.routes.Metrics = nil
	base := "http://" + startServer(t, f.routes.Handler())

	resp, data := do(t, "GET", base+"/metrics", "", nil)
	if resp.StatusCode != gohttp.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if bytes.Contains(data, []byte("restgate_")) {
		t.Error("metrics exposed while disabled")
	}
}

// echoAddr replies with the RemoteAddr seen by handlers.
var echoAddr = gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
	fmt.Fprint(w, r.RemoteAddr)
})

// rawGet sends prefix followed by a minimal HTTP request and returns the
// response body, or an error if the connection was refused.
func rawGet(addr, prefix string, header gohttp.Header) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n")
	for k, vs := range header {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		return "", err
	}

	resp, err := gohttp.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func loopback() []netip.Prefix {
	return []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
}

func TestServer_ProxyProtocolOptional(t *testing.T) {
	addr := startServer(t, echoAddr, WithProxy(ProxyOptional, loopback()))

	got, err := rawGet(addr, "PROXY TCP4 192.0.2.10 127.0.0.1 56324 8080\r\n", nil)
	if err != nil {
		t.Fatalf("request with proxy header: %v", err)
	}
	if got != "192.0.2.10:56324" {
		t.Errorf("RemoteAddr = %q, want 192.0.2.10:56324", got)
	}

	got, err = rawGet(addr, "", nil)
	if err != nil {
		t.Fatalf("plain request: %v", err)
	}
	if !strings.HasPrefix(got, "127.0.0.1:") {
		t.Errorf("RemoteAddr = %q, want the loopback peer", got)
	}
}

func TestServer_ProxyProtocolUntrustedPeerIgnored(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	addr := startServer(t, echoAddr, WithProxy(ProxyOptional, trusted))

	got, err := rawGet(addr, "PROXY TCP4 192.0.2.10 127.0.0.1 56324 8080\r\n", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.HasPrefix(got, "127.0.0.1:") {
		t.Errorf("RemoteAddr = %q, untrusted peer must not set the client address", got)
	}
}

func TestServer_ProxyProtocolRequired(t *testing.T) {
	addr := startServer(t, echoAddr, WithProxy(ProxyRequired, loopback()))

	got, err := rawGet(addr, "PROXY TCP4 198.51.100.3 127.0.0.1 4000 8080\r\n", nil)
	if err != nil {
		t.Fatalf("request with proxy header: %v", err)
	}
	if got != "198.51.100.3:4000" {
		t.Errorf("RemoteAddr = %q, want 198.51.100.3:4000", got)
	}

	if _, err := rawGet(addr, "", nil); err == nil {
		t.Error("request without proxy header should fail in required mode")
	}
}

func TestServer_ProxyProtocolRequiredRefusesUntrusted(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	addr := startServer(t, echoAddr, WithProxy(ProxyRequired, trusted))

	if _, err := rawGet(addr, "PROXY TCP4 198.51.100.3 127.0.0.1 4000 8080\r\n", nil); err == nil {
		t.Error("untrusted peer should be refused")
	}

	// The listener keeps accepting after refusing a peer.
	if _, err := rawGet(addr, "PROXY TCP4 198.51.100.3 127.0.0.1 4000 8080\r\n", nil); err == nil {
		t.Error("untrusted peer should be refused again")
	}
}

func TestServer_ForwardedMode(t *testing.T) {
	addr := startServer(t, echoAddr, WithProxy(ProxyForwarded, loopback()))

	got, err := rawGet(addr, "", gohttp.Header{"Forwarded": {"for=203.0.113.50;proto=https"}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.HasPrefix(got, "203.0.113.50:") {
		t.Errorf("RemoteAddr = %q, want forwarded client", got)
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	slow := gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(gohttp.StatusOK)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(slow, WithLogger(quietLogger()), WithShutdownTimeout(5*time.Second))
	served := make(chan error, 1)
	go func() { served <- srv.ServeOn(ctx, ln) }()

	responseCh := make(chan int, 1)
	go func() {
		resp, err := gohttp.Get("http://" + addr + "/")
		if err != nil {
			responseCh <- 0
			return
		}
		resp.Body.Close()
		responseCh <- resp.StatusCode
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	if status := <-responseCh; status != gohttp.StatusOK {
		t.Errorf("slow request status = %d, want %d", status, gohttp.StatusOK)
	}
	if err := <-served; err != nil {
		t.Errorf("ServeOn returned %v, want nil", err)
	}
}

func TestServerFunctionalOptions(t *testing.T) {
	trusted := loopback()
	srv := NewServer(echoAddr,
		WithAddr(":9999"),
		WithShutdownTimeout(10*time.Second),
		WithReadHeaderTimeout(3*time.Second),
		WithProxy(ProxyForwarded, trusted),
		WithForwardedHeader("X-Forwarded"),
	)

	if srv.config.Addr != ":9999" {
		t.Errorf("addr = %q, want %q", srv.config.Addr, ":9999")
	}
	if srv.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want 10s", srv.config.ShutdownTimeout)
	}
	if srv.httpServer.ReadHeaderTimeout != 3*time.Second {
		t.Errorf("read header timeout = %v, want 3s", srv.httpServer.ReadHeaderTimeout)
	}
	if srv.config.ProxyMode != ProxyForwarded || len(srv.config.TrustedProxies) != 1 {
		t.Errorf("proxy config = %+v", srv.config)
	}
	if srv.config.ForwardedHeader != "X-Forwarded" {
		t.Errorf("forwarded header = %q", srv.config.ForwardedHeader)
	}
}

func TestProxyModeValid(t *testing.T) {
	for _, m := range []ProxyMode{ProxyDisabled, ProxyOptional, ProxyRequired, ProxyForwarded} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if ProxyMode("sometimes").Valid() {
		t.Error("unknown mode should be invalid")
	}
}
