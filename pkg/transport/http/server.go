package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"github.com/rhuss/restgate/pkg/debug"
	"github.com/rhuss/restgate/pkg/observability"
	"github.com/rhuss/restgate/pkg/transport"
)

// ProxyMode selects how the real client address is recovered when traffic
// arrives through a proxy.
type ProxyMode string

const (
	// ProxyDisabled uses the TCP peer address as is.
	ProxyDisabled ProxyMode = "disabled"

	// ProxyOptional accepts a PROXY protocol header from trusted peers and
	// plain connections from everyone.
	ProxyOptional ProxyMode = "optional"

	// ProxyRequired demands a PROXY protocol header from trusted peers and
	// refuses connections from anyone else.
	ProxyRequired ProxyMode = "required"

	// ProxyForwarded trusts the Forwarded header sent by trusted peers.
	ProxyForwarded ProxyMode = "forwarded"
)

// Valid reports whether m is a known mode.
func (m ProxyMode) Valid() bool {
	switch m {
	case ProxyDisabled, ProxyOptional, ProxyRequired, ProxyForwarded:
		return true
	}
	return false
}

// Server wraps an http.Server with the transport middleware and manages
// the full lifecycle including startup and graceful shutdown.
type Server struct {
	httpServer *http.Server
	config     ServerConfig
	logger     *slog.Logger
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	ProxyMode       ProxyMode
	TrustedProxies  []netip.Prefix
	ForwardedHeader string

	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		ProxyMode:         ProxyDisabled,
		Logger:            slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithReadHeaderTimeout bounds how long a client may take to send headers,
// including the PROXY protocol header.
func WithReadHeaderTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ReadHeaderTimeout = d }
}

// WithProxy sets the proxy mode and the peers allowed to assert a client
// address.
func WithProxy(mode ProxyMode, trusted []netip.Prefix) ServerOption {
	return func(s *Server) {
		s.config.ProxyMode = mode
		s.config.TrustedProxies = trusted
	}
}

// WithForwardedHeader overrides the header read in forwarded mode.
func WithForwardedHeader(name string) ServerOption {
	return func(s *Server) { s.config.ForwardedHeader = name }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// NewServer creates a server for handler. Default middleware (recovery,
// client address resolution, request ID, logging, metrics) is applied
// automatically.
func NewServer(handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	mw := []transport.Middleware{transport.Recovery(s.logger)}
	if s.config.ProxyMode == ProxyForwarded {
		resolver := &transport.ForwardedResolver{
			Header:  s.config.ForwardedHeader,
			Trusted: s.config.TrustedProxies,
		}
		mw = append(mw, resolver.Middleware())
	}
	mw = append(mw,
		transport.RequestID(),
		transport.Logging(s.logger),
		observability.MetricsMiddleware,
	)

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           transport.Chain(mw...)(handler),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	return s
}

// Run listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	return s.ServeOn(ctx, ln)
}

// ServeOn serves on ln until ctx is cancelled. The listener is wrapped for
// the PROXY protocol when the proxy mode asks for it.
func (s *Server) ServeOn(ctx context.Context, ln net.Listener) error {
	ln = s.wrapListener(ln)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("proxy_mode", string(s.config.ProxyMode)),
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.shutdown()
}

// wrapListener applies the PROXY protocol policy for the configured mode.
// In required mode untrusted peers are dropped before any byte is read; in
// optional mode their headers are read but ignored.
func (s *Server) wrapListener(ln net.Listener) net.Listener {
	trusted := s.config.TrustedProxies

	switch s.config.ProxyMode {
	case ProxyOptional:
		return &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: s.config.ReadHeaderTimeout,
			ConnPolicy: func(opts proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
				if transport.IsTrusted(trusted, opts.Upstream.String()) {
					return proxyproto.USE, nil
				}
				debug.Log("transport", "proxy header from untrusted peer ignored",
					"peer", opts.Upstream.String())
				return proxyproto.IGNORE, nil
			},
		}
	case ProxyRequired:
		return &proxyproto.Listener{
			Listener:          &trustedListener{Listener: ln, trusted: trusted},
			ReadHeaderTimeout: s.config.ReadHeaderTimeout,
			ConnPolicy: func(proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
				return proxyproto.REQUIRE, nil
			},
		}
	default:
		return ln
	}
}

// trustedListener closes connections from untrusted peers and keeps
// accepting.
type trustedListener struct {
	net.Listener
	trusted []netip.Prefix
}

func (l *trustedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if transport.IsTrusted(l.trusted, conn.RemoteAddr().String()) {
			return conn, nil
		}
		slog.Warn("connection from untrusted peer refused", "peer", conn.RemoteAddr().String())
		conn.Close()
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down gracefully", slog.Duration("timeout", s.config.ShutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Shutdown gracefully shuts down the server with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
