package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/shopspring/decimal"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewStripeGatewayWithBackend(config.StripeConfig{
		SecretKey:  "sk_test_123",
		SuccessURL: "app://payment/success?paymentId={CHECKOUT_SESSION_ID}",
		CancelURL:  "app://payment/fail?paymentId={CHECKOUT_SESSION_ID}",
	}, nil, WithStripeURL(srv.URL))
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}
	return g
}

func TestStripeQuery_StatusMapping(t *testing.T) {
	tests := []struct {
		body string
		want payment.Status
	}{
		{`{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"paid"}`, payment.StatusConfirmed},
		{`{"id":"cs_1","object":"checkout.session","status":"open","payment_status":"unpaid"}`, payment.StatusPending},
		{`{"id":"cs_1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`, payment.StatusExpired},
		{`{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"unpaid"}`, payment.StatusPending},
	}

	for _, tt := range tests {
		g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.URL.Path != "/v1/checkout/sessions/cs_1" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(tt.body))
		})

		raw, err := g.Query(context.Background(), "cs_1")
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if got := payment.Map(raw); got != tt.want {
			t.Errorf("body %s: mapped %s (raw %+v), want %s", tt.body, got, raw, tt.want)
		}
	}
}

func TestStripeQuery_Errors(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "cs_missing") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session"}}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	_, err := g.Query(context.Background(), "cs_missing")
	var pe *payment.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if pe.StatusCode != http.StatusNotFound || pe.Code != "resource_missing" {
		t.Errorf("permanent error = %+v", pe)
	}

	if _, err := g.Query(context.Background(), "cs_other"); !payment.IsTransient(err) {
		t.Errorf("expected transient error for 500, got %v", err)
	}
}

func TestStripeCreateSession(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "7550" {
			t.Errorf("unit_amount = %q", got)
		}
		if got := r.PostForm.Get("client_reference_id"); got != "loc-1" {
			t.Errorf("client_reference_id = %q", got)
		}
		if got := r.PostForm.Get("success_url"); !strings.HasSuffix(got, "&localId=loc-1") {
			t.Errorf("success_url = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_new","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_new"}`))
	})

	res, err := g.CreateSession(context.Background(), CreateSessionRequest{
		LocalID:  "loc-1",
		Amount:   decimal.RequireFromString("75.50"),
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if res.ExternalRef != "cs_new" || res.RedirectURL != "https://checkout.stripe.com/c/pay/cs_new" {
		t.Errorf("result = %+v", res)
	}

	if _, err := g.CreateSession(context.Background(), CreateSessionRequest{LocalID: "x", Amount: decimal.Zero}); !payment.IsPermanent(err) {
		t.Errorf("zero amount should be rejected, got %v", err)
	}
}

func TestWithLocalID(t *testing.T) {
	cases := map[string]string{
		"app://payment/success":             "app://payment/success?localId=l1",
		"app://payment/success?paymentId=1": "app://payment/success?paymentId=1&localId=l1",
		"app://payment/success?localId=l0":  "app://payment/success?localId=l0",
	}
	for in, want := range cases {
		if got := withLocalID(in, "l1"); got != want {
			t.Errorf("withLocalID(%q) = %q, want %q", in, got, want)
		}
	}
}
