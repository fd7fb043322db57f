package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Routes maps request paths to endpoint classes. Paths not in the table are
// ClassGeneral.
type Routes map[string]Class

// Classify returns the class for r.
func (rt Routes) Classify(r *http.Request) Class {
	if c, ok := rt[r.URL.Path]; ok {
		return c
	}
	return ClassGeneral
}

// ClientKey identifies the caller for rate limiting. Proxy headers are
// consulted in order: CF-Connecting-IP, the first X-Forwarded-For hop,
// X-Real-IP, then the connection's remote address.
func ClientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
