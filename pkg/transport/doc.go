// Package transport provides the HTTP middleware chain that runs in front of
// request admission.
//
// The transport's job is to hand the admission boundary a request whose
// RemoteAddr is the real client. Two mechanisms cover proxied traffic: the
// PROXY protocol listener in the http sub-package, and ForwardedResolver
// for proxies that speak the RFC 7239 Forwarded header. Only peers in the
// trusted set may assert a client address.
//
// # Middleware
//
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), structured request logging via log/slog, and forwarded
// client resolution. Chain composes them so that the first middleware is
// outermost.
package transport
