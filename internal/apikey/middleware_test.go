package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dentiq/payrecon/internal/config"
)

func roleOf(t *testing.T, cfg Config, key string) Role {
	t.Helper()
	var got Role
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRole(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/payments/visit-1", nil)
	if key != "" {
		req.Header.Set(HeaderName, key)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestMiddleware_Disabled(t *testing.T) {
	cfg := Config{Enabled: false, Keys: map[string]Role{"adm": RoleAdmin}}
	if got := roleOf(t, cfg, "adm"); got != RoleAnonymous {
		t.Errorf("expected anonymous when disabled, got %s", got)
	}
}

func TestMiddleware_ResolvesRoles(t *testing.T) {
	cfg := Config{Enabled: true, Keys: map[string]Role{
		"clinic_key": RoleClinic,
		"admin_key":  RoleAdmin,
	}}

	tests := []struct {
		key  string
		want Role
	}{
		{"", RoleAnonymous},
		{"clinic_key", RoleClinic},
		{"admin_key", RoleAdmin},
		{"  admin_key  ", RoleAdmin},
		{"admin_ke", RoleAnonymous},
		{"nope", RoleAnonymous},
	}
	for _, tt := range tests {
		if got := roleOf(t, cfg, tt.key); got != tt.want {
			t.Errorf("key %q: got %s, want %s", tt.key, got, tt.want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	cfg := Config{Enabled: true, Keys: map[string]Role{"clinic_key": RoleClinic, "admin_key": RoleAdmin}}
	handler := Middleware(cfg)(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for key, want := range map[string]int{
		"":           http.StatusUnauthorized,
		"clinic_key": http.StatusUnauthorized,
		"admin_key":  http.StatusNoContent,
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/webhooks", nil)
		if key != "" {
			req.Header.Set(HeaderName, key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("key %q: got %d, want %d", key, rec.Code, want)
		}
	}
}

func TestExemptions(t *testing.T) {
	tests := []struct {
		role         Role
		exemptIP     bool
		bypassGlobal bool
	}{
		{RoleAnonymous, false, false},
		{RoleClinic, true, false},
		{RoleAdmin, true, true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithRole(req.Context(), tt.role))
		if got := IsExemptFromRateLimits(req); got != tt.exemptIP {
			t.Errorf("%s: IsExemptFromRateLimits = %v", tt.role, got)
		}
		if got := ShouldBypassGlobalLimit(req); got != tt.bypassGlobal {
			t.Errorf("%s: ShouldBypassGlobalLimit = %v", tt.role, got)
		}
	}

	if GetRole(httptest.NewRequest(http.MethodGet, "/", nil)) != RoleAnonymous {
		t.Error("missing role should read as anonymous")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.APIKeysConfig{
		Enabled: true,
		Keys:    map[string]string{"a": "ADMIN", "c": "clinic", "x": "superuser", "": "admin"},
	})
	if !cfg.Enabled {
		t.Error("expected enabled")
	}
	if len(cfg.Keys) != 2 || cfg.Keys["a"] != RoleAdmin || cfg.Keys["c"] != RoleClinic {
		t.Errorf("keys = %v", cfg.Keys)
	}
}
