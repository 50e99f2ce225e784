package security

import "net/http"

// SetSecurityHeaders sets defensive response headers on protocol endpoints.
func SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
}

// SetTokenResponseHeaders sets the cache-control headers RFC 6749
// Section 5.1 requires on responses that carry tokens or token-endpoint
// errors.
func SetTokenResponseHeaders(w http.ResponseWriter) {
	SetSecurityHeaders(w)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
