package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/dentiq/payrecon/internal/errors"
)

// metricsAuth protects the /metrics endpoint with a bearer key.
// If no key is configured, the endpoint is open.
func metricsAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing metrics API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
