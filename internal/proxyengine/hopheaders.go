package proxyengine

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHop lists the headers SPEC_FULL.md §4.4 names as connection-scoped
// and therefore never forwarded across the proxy, plus any header named in
// a request's own Connection header (the standard mechanism for a client to
// name additional hop-by-hop headers for that request only).
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// stripHopByHop removes hop-by-hop headers from h in place, honoring any
// extra header names listed in the Connection header itself.
func stripHopByHop(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, name := range strings.Split(c, ",") {
			name = strings.TrimSpace(name)
			if httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}
	for name := range hopByHop {
		h.Del(name)
	}
}

// cloneForwardHeaders copies src into a fresh Header with hop-by-hop headers
// removed, leaving src untouched.
func cloneForwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	stripHopByHop(dst)
	return dst
}

// setForwardedHeaders adds/overwrites the X-Forwarded-* headers per
// SPEC_FULL.md §4.4.
func setForwardedHeaders(h http.Header, clientIP, proto, host string) {
	if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", host)
}
