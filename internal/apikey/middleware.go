// Package apikey identifies trusted callers of the relay API by the X-API-Key
// header. Anonymous callers (the mobile app) are served normally; keys only
// grant extra capabilities.
package apikey

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/dentiq/payrecon/internal/config"
	apierrors "github.com/dentiq/payrecon/internal/errors"
)

// Role is what a key entitles its holder to.
type Role string

const (
	RoleAnonymous Role = "anonymous" // no key or unknown key
	RoleClinic    Role = "clinic"    // clinic backend, exempt from per-IP limits
	RoleAdmin     Role = "admin"     // operators; admin endpoints, exempt from all but per-session limits
)

// HeaderName carries the key.
const HeaderName = "X-API-Key"

type contextKey struct{}

// Config holds API key configuration.
type Config struct {
	Enabled bool
	Keys    map[string]Role
}

// FromConfig converts the api_keys config section. Unknown roles are rejected
// by config validation, so they are skipped here.
func FromConfig(cfg config.APIKeysConfig) Config {
	out := Config{Enabled: cfg.Enabled, Keys: make(map[string]Role, len(cfg.Keys))}
	for key, role := range cfg.Keys {
		r, err := ParseRole(role)
		if err != nil || key == "" {
			continue
		}
		out.Keys[key] = r
	}
	return out
}

// ParseRole validates a configured role name.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleClinic, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown api key role %q", raw)
	}
}

// Middleware resolves the caller's role and stores it in the request context.
// An invalid key is treated as anonymous rather than rejected.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || len(cfg.Keys) == 0 {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), RoleAnonymous)))
			})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleAnonymous
			if presented := strings.TrimSpace(r.Header.Get(HeaderName)); presented != "" {
				role = lookup(cfg.Keys, presented)
			}
			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
		})
	}
}

// lookup compares against every key so timing does not reveal a prefix match.
func lookup(keys map[string]Role, presented string) Role {
	role := RoleAnonymous
	for key, r := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			role = r
		}
	}
	return role
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			have := GetRole(r)
			for _, want := range roles {
				if have == want {
					next.ServeHTTP(w, r)
					return
				}
			}
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "A valid API key is required")
		})
	}
}

// WithRole stores role in ctx.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, contextKey{}, role)
}

// GetRole returns the caller's role, RoleAnonymous when unset.
func GetRole(r *http.Request) Role {
	if role, ok := r.Context().Value(contextKey{}).(Role); ok {
		return role
	}
	return RoleAnonymous
}

// IsExemptFromRateLimits reports whether per-IP limits are skipped. Clinic
// backends proxy many patients from one address.
func IsExemptFromRateLimits(r *http.Request) bool {
	role := GetRole(r)
	return role == RoleClinic || role == RoleAdmin
}

// ShouldBypassGlobalLimit reports whether the global limit is skipped.
func ShouldBypassGlobalLimit(r *http.Request) bool {
	return GetRole(r) == RoleAdmin
}
