package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on OAuth endpoint responses.
// These headers protect against clickjacking, MIME sniffing, and caching
// of credential-bearing responses.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	// X-Frame-Options: Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// X-Content-Type-Options: Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Content-Security-Policy: Restrict resource loading on OAuth endpoints
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Referrer-Policy: Don't leak authorization parameters via referrer
	w.Header().Set("Referrer-Policy", "no-referrer")

	// Strict-Transport-Security: Enforce HTTPS (only if issuer uses HTTPS)
	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Cache-Control: Prevent caching of token and introspection responses (RFC 6749 §5.1)
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
