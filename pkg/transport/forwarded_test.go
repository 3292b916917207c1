package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustTrusted(t *testing.T, entries ...string) *ForwardedResolver {
	t.Helper()
	prefixes, err := ParseTrustedProxies(entries)
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	return &ForwardedResolver{Trusted: prefixes}
}

func TestForwardedResolver_Resolve(t *testing.T) {
	f := mustTrusted(t, "10.0.0.0/8", "2001:db8::1")

	tests := []struct {
		name   string
		peer   string
		header string
		want   string
		ok     bool
	}{
		{"simple", "10.1.2.3:5000", "for=192.0.2.60;proto=http;host=203.0.113.43", "192.0.2.60:5000", true},
		{"with port", "10.1.2.3:5000", "for=192.0.2.60:4711", "192.0.2.60:4711", true},
		{"quoted ipv6", "10.1.2.3:5000", `for="[2001:db8:cafe::17]:4711"`, "[2001:db8:cafe::17]:4711", true},
		{"ipv6 without port", "10.1.2.3:5000", `for="[2001:db8:cafe::17]"`, "[2001:db8:cafe::17]:5000", true},
		{"first element wins", "10.1.2.3:5000", "for=192.0.2.60, for=198.51.100.17", "192.0.2.60:5000", true},
		{"case-insensitive key", "10.1.2.3:5000", "For=192.0.2.61", "192.0.2.61:5000", true},
		{"for not first param", "10.1.2.3:5000", "proto=https;for=192.0.2.62", "192.0.2.62:5000", true},
		{"trusted ipv6 peer", "[2001:db8::1]:443", "for=192.0.2.63", "192.0.2.63:443", true},
		{"untrusted peer", "203.0.113.9:5000", "for=192.0.2.60", "", false},
		{"no header", "10.1.2.3:5000", "", "", false},
		{"unknown", "10.1.2.3:5000", "for=unknown", "", false},
		{"obfuscated", "10.1.2.3:5000", "for=_hidden", "", false},
		{"no for", "10.1.2.3:5000", "proto=https", "", false},
		{"for only in later element", "10.1.2.3:5000", "proto=https, for=192.0.2.60", "", false},
		{"for inside quoted host", "10.1.2.3:5000", `host="for=203.0.113.9";for=10.1.2.3`, "10.1.2.3:5000", true},
		{"for and semicolon inside quoted host", "10.1.2.3:5000", `host="x;for=203.0.113.9";for=192.0.2.64`, "192.0.2.64:5000", true},
		{"only quoted for text", "10.1.2.3:5000", `host="for=203.0.113.9"`, "", false},
		{"longer parameter name", "10.1.2.3:5000", "xfor=203.0.113.9", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.peer
			if tt.header != "" {
				req.Header.Set("Forwarded", tt.header)
			}

			got, ok := f.Resolve(req)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Resolve() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestForwardedResolver_CustomHeader(t *testing.T) {
	f := mustTrusted(t, "127.0.0.1")
	f.Header = "X-Forwarded"

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:9000"
	req.Header.Set("Forwarded", "for=192.0.2.1")
	req.Header.Set("X-Forwarded", "for=192.0.2.2")

	got, ok := f.Resolve(req)
	if !ok || got != "192.0.2.2:9000" {
		t.Errorf("Resolve() = (%q, %v), want 192.0.2.2:9000", got, ok)
	}
}

func TestForwardedResolver_Middleware(t *testing.T) {
	f := mustTrusted(t, "10.0.0.0/8")

	var seen string
	handler := f.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("Forwarded", "for=198.51.100.7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "198.51.100.7:1234" {
		t.Errorf("RemoteAddr = %q, want 198.51.100.7:1234", seen)
	}
	if req.RemoteAddr != "10.0.0.5:1234" {
		t.Error("original request must not be modified")
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	for _, bad := range []string{"10.0.0.0/33", "not-an-ip", "10.0.0"} {
		if _, err := ParseTrustedProxies([]string{bad}); err == nil {
			t.Errorf("ParseTrustedProxies(%q) should fail", bad)
		}
	}
}

func TestIsTrusted(t *testing.T) {
	trusted, _ := ParseTrustedProxies([]string{"192.168.0.0/16"})

	if !IsTrusted(trusted, "192.168.1.1:80") {
		t.Error("address inside prefix should be trusted")
	}
	if !IsTrusted(trusted, "192.168.1.1") {
		t.Error("bare host should be accepted")
	}
	if !IsTrusted(trusted, "[::ffff:192.168.1.1]:80") {
		t.Error("IPv4-mapped IPv6 should match IPv4 prefix")
	}
	if IsTrusted(trusted, "10.0.0.1:80") {
		t.Error("address outside prefix should not be trusted")
	}
	if IsTrusted(nil, "192.168.1.1:80") {
		t.Error("no trusted proxies means nothing is trusted")
	}
}
