package httpserver

import "net/http"

// securityHeadersMiddleware adds security headers to all responses.
// The relay API serves no HTML; the headers keep browsers from sniffing or
// framing its JSON.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// Status snapshots must never be served from a cache.
		w.Header().Set("Cache-Control", "no-store")

		// HSTS only over TLS
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
