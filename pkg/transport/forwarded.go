package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/rhuss/restgate/pkg/debug"
)

// DefaultForwardedHeader is the RFC 7239 header name.
const DefaultForwardedHeader = "Forwarded"

// forwardedPairPattern matches one name=value pair of a forwarded element.
// Quoted values are consumed whole, so a "for=" inside another parameter's
// quoted value is never taken for the for parameter.
var forwardedPairPattern = regexp.MustCompile(`(?:^|;)\s*([A-Za-z]+)\s*=\s*("[^"]*"|[^;]*)`)

// ForwardedResolver rewrites RemoteAddr from a Forwarded-syntax header
// when the direct peer is a trusted proxy. Only the first element of the
// header is used: it describes the original client, later elements were
// appended by proxies along the way.
type ForwardedResolver struct {
	// Header is the header to read. Some proxies use a custom name with the
	// same syntax. Default: Forwarded.
	Header string

	// Trusted lists the networks whose requests may carry the header.
	Trusted []netip.Prefix
}

// ParseTrustedProxies parses CIDRs or bare addresses into prefixes.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// IsTrusted reports whether addr (host or host:port) is a trusted proxy.
func IsTrusted(trusted []netip.Prefix, addr string) bool {
	ip, ok := parseIP(addr)
	if !ok {
		return false
	}
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware returns middleware applying the resolver to every request.
func (f *ForwardedResolver) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if addr, ok := f.Resolve(r); ok {
				debug.Log("transport", "client address from forwarded header",
					"peer", r.RemoteAddr, "client", addr)
				r = r.Clone(r.Context())
				r.RemoteAddr = addr
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Resolve returns the client address claimed by the header, as host:port.
// It reports false when the peer is untrusted or the header carries no
// usable address, such as "unknown" or an obfuscated identifier.
func (f *ForwardedResolver) Resolve(r *http.Request) (string, bool) {
	if !IsTrusted(f.Trusted, r.RemoteAddr) {
		return "", false
	}

	name := f.Header
	if name == "" {
		name = DefaultForwardedHeader
	}
	value := r.Header.Get(name)
	if value == "" {
		return "", false
	}

	first, _, _ := strings.Cut(value, ",")
	node, ok := forwardedFor(first)
	if !ok {
		return "", false
	}

	// The peer's port stands in when the header names only a host.
	_, peerPort, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerPort = "0"
	}
	return parseNode(node, peerPort)
}

// forwardedFor returns the value of the for parameter of one element.
// Other parameters such as by, host and proto are skipped.
func forwardedFor(element string) (string, bool) {
	for _, m := range forwardedPairPattern.FindAllStringSubmatch(element, -1) {
		if strings.EqualFold(m[1], "for") {
			return strings.Trim(strings.TrimSpace(m[2]), `"`), true
		}
	}
	return "", false
}

// parseNode parses a node value: "192.0.2.60", "192.0.2.60:4711",
// "[2001:db8::17]" or "[2001:db8::17]:4711".
func parseNode(node, defaultPort string) (string, bool) {
	if ap, err := netip.ParseAddrPort(node); err == nil {
		return ap.String(), true
	}

	host := strings.TrimSuffix(strings.TrimPrefix(node, "["), "]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "", false
	}
	return net.JoinHostPort(addr.Unmap().String(), defaultPort), true
}

func parseIP(addr string) (netip.Addr, bool) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
