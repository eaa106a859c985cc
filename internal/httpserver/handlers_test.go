package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dentiq/payrecon/internal/apikey"
	"github.com/dentiq/payrecon/internal/callbacks"
	"github.com/dentiq/payrecon/internal/circuitbreaker"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/deeplink"
	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/idempotency"
	"github.com/dentiq/payrecon/internal/interceptor"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/poller"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/resolver"
	"github.com/dentiq/payrecon/internal/storage"
)

// stubGateway answers every query with the current status or error.
type stubGateway struct {
	mu        sync.Mutex
	status    string
	queryErr  error
	ref       string
	createErr error
	created   atomic.Int32
	queries   atomic.Int32
}

func (g *stubGateway) set(status string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status, g.queryErr = status, err
}

func (g *stubGateway) Query(context.Context, string) (payment.RawStatus, error) {
	g.queries.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return payment.RawStatus{}, g.queryErr
	}
	return payment.RawStatus{Code: g.status}, nil
}

func (g *stubGateway) CreateSession(_ context.Context, req gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
	g.created.Add(1)
	if g.createErr != nil {
		return gateway.CreateSessionResult{}, g.createErr
	}
	return gateway.CreateSessionResult{
		ExternalRef: g.ref,
		RedirectURL: "https://pay.example/checkout/" + req.LocalID,
		LocalID:     req.LocalID,
	}, nil
}

func (g *stubGateway) Name() string { return "stub" }

type testServer struct {
	handler http.Handler
	cfg     *config.Config
	gw      *stubGateway
	store   *storage.MemoryStore
	bus     *reconcile.Bus
	res     *resolver.Resolver
	pollers *poller.Manager
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{WaitTimeout: config.Duration{Duration: 5 * time.Second}},
		Reconcile: config.ReconcileConfig{MaxAttempts: 3},
		DeepLink: config.DeepLinkConfig{
			Scheme:        "app",
			Host:          "payment",
			SuccessPaths:  []string{"/success"},
			FailurePaths:  []string{"/fail"},
			LocalIDParams: []string{"localId"},
		},
		Interceptor: config.InterceptorConfig{
			SuccessURLPatterns: []string{"/payment/success"},
			FailureURLPatterns: []string{"/payment/fail"},
			MessageTypes:       []string{"pay_click", "form_submit"},
		},
	}
}

func newTestServer(t *testing.T, gw *stubGateway, mutate func(*config.Config, *Dependencies)) *testServer {
	t.Helper()
	cfg := testConfig()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	log := zerolog.Nop()

	store := storage.NewMemoryStore()
	bus := reconcile.NewBus(log)
	rec := reconcile.NewReconciler(store, bus, m, log)
	res := resolver.New()
	eng := reconcile.NewEngine(store, res, gw, rec, reconcile.Config{}, m, log)
	eng.Start()
	pollers := poller.NewManager(eng, rec, poller.Config{Interval: time.Hour}, m, log)
	t.Cleanup(func() {
		_ = pollers.Close()
		_ = eng.Close()
		store.Stop()
	})

	deps := Dependencies{
		Store:       store,
		Gateway:     gw,
		Engine:      eng,
		Bus:         bus,
		Pollers:     pollers,
		Interceptor: interceptor.New(eng, bus, cfg.Interceptor, m, log),
		DeepLinks:   deeplink.NewRouter(cfg.DeepLink, res, store, pollers, eng, m, log),
		Metrics:     m,
		Gatherer:    registry,
		Logger:      log,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	return &testServer{
		handler: New(cfg, deps).Handler(),
		cfg:     cfg,
		gw:      gw,
		store:   store,
		bus:     bus,
		res:     res,
		pollers: pollers,
	}
}

func (s *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seed(t *testing.T, localID, ref string) {
	t.Helper()
	session := payment.NewSession(localID, decimal.RequireFromString("80.00"), "usd", 3, time.Now())
	session.ExternalRef = ref
	if err := s.store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)

	rec := srv.do("GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	gw, _ := body["gateway"].(map[string]any)
	if gw["provider"] != "stub" || gw["breaker"] != "disabled" {
		t.Errorf("gateway = %v", gw)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestHealthEndpoint_DegradedWhenBreakerOpen(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Enabled: true,
		Gateway: circuitbreaker.BreakerConfig{MaxRequests: 1, Timeout: time.Hour, ConsecutiveFailures: 1},
	})
	_, _ = breakers.Execute(circuitbreaker.ServiceGateway, func() (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	srv := newTestServer(t, &stubGateway{}, func(_ *config.Config, d *Dependencies) {
		d.Breakers = breakers
	})

	rec := srv.do("GET", "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHealthEndpoint_StoragePing(t *testing.T) {
	pingErr := errors.New("connection reset")
	srv := newTestServer(t, &stubGateway{}, func(_ *config.Config, d *Dependencies) {
		d.StoragePing = func(context.Context) error { return pingErr }
	})

	rec := srv.do("GET", "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decode(t, rec); body["storage"] != "unreachable" {
		t.Errorf("storage = %v", body["storage"])
	}
}

func TestCreatePayment_WithoutReference(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)

	rec := srv.do("POST", "/v1/payments", `{"amount":"120.00","currency":"usd","description":"Crown"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"externalRef":null`) {
		t.Errorf("externalRef should be null: %s", rec.Body.String())
	}
	body := decode(t, rec)
	localID, _ := body["localId"].(string)
	if localID == "" {
		t.Fatal("localId not generated")
	}
	if rec.Header().Get("Location") != "/v1/payments/"+localID {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}
	if body["status"] != "pending" || body["poller"] != "polling" {
		t.Errorf("unexpected body: %v", body)
	}

	s, err := srv.store.GetSession(context.Background(), localID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != payment.StatusPending || s.ExternalRef != "" || s.MaxAttempts != 3 || s.Currency != "USD" {
		t.Errorf("stored session = %+v", s)
	}
	if s.RedirectURL != "https://pay.example/checkout/"+localID {
		t.Errorf("redirect = %q", s.RedirectURL)
	}
	if !srv.pollers.Tracking(localID) {
		t.Error("poller not started")
	}
}

func TestCreatePayment_WithReferenceAndLocalID(t *testing.T) {
	gw := &stubGateway{ref: "42", status: "PENDING"}
	srv := newTestServer(t, gw, nil)

	rec := srv.do("POST", "/v1/payments", `{"localId":"visit-7","amount":99.5,"currency":"EUR"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["localId"] != "visit-7" || body["externalRef"] != "42" {
		t.Errorf("unexpected body: %v", body)
	}

	// A second create with the same local id is refused before the gateway is called.
	rec = srv.do("POST", "/v1/payments", `{"localId":"visit-7","amount":"10","currency":"EUR"}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "session_already_exists" {
		t.Errorf("duplicate create: %d %s", rec.Code, rec.Body.String())
	}
	if gw.created.Load() != 1 {
		t.Errorf("gateway sessions created = %d", gw.created.Load())
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"amount":`, "invalid_body"},
		{"unknown field", `{"amount":"1","currency":"usd","wallet":"x"}`, "invalid_body"},
		{"missing currency", `{"amount":"1"}`, "missing_field"},
		{"zero amount", `{"amount":"0","currency":"usd"}`, "invalid_amount"},
		{"negative amount", `{"amount":"-5","currency":"usd"}`, "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do("POST", "/v1/payments", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestCreatePayment_GatewayRejects(t *testing.T) {
	gw := &stubGateway{createErr: &payment.PermanentError{StatusCode: 400, Code: "bad_amount", Message: "amount too small"}}
	srv := newTestServer(t, gw, nil)

	rec := srv.do("POST", "/v1/payments", `{"localId":"s-1","amount":"1","currency":"usd"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	if e["code"] != "gateway_permanent_error" || e["message"] != "amount too small" || e["retryable"] != false {
		t.Errorf("error = %v", e)
	}
	if _, err := srv.store.GetSession(context.Background(), "s-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session stored after gateway rejection: %v", err)
	}
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	gw := &stubGateway{ref: "pi_1"}
	replays := idempotency.NewMemoryStore()
	t.Cleanup(replays.Stop)
	srv := newTestServer(t, gw, func(_ *config.Config, d *Dependencies) {
		d.Idempotency = replays
	})

	body := `{"amount":"60.00","currency":"usd"}`
	first := srv.do("POST", "/v1/payments", body, idempotency.HeaderKey, "checkout-7")
	second := srv.do("POST", "/v1/payments", body, idempotency.HeaderKey, "checkout-7")

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
	if second.Header().Get(idempotency.ReplayHeader) != "true" {
		t.Error("second response should be a replay")
	}
	if decode(t, first)["localId"] != decode(t, second)["localId"] {
		t.Error("replay returned a different payment")
	}
	if gw.created.Load() != 1 {
		t.Errorf("gateway sessions created = %d, want 1", gw.created.Load())
	}
}

func TestGetPayment(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)

	rec := srv.do("GET", "/v1/payments/missing", "")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "session_not_found" {
		t.Fatalf("missing session: %d %s", rec.Code, rec.Body.String())
	}

	srv.seed(t, "s-1", "42")
	rec = srv.do("GET", "/v1/payments/s-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["localId"] != "s-1" || body["externalRef"] != "42" || body["amount"] != "80" || body["status"] != "pending" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["poller"]; ok {
		t.Errorf("untracked session should carry no poller state: %v", body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("status snapshots must not be cached")
	}
}

func TestWaitPayment_ReturnsOnTerminal(t *testing.T) {
	gw := &stubGateway{status: "PENDING"}
	srv := newTestServer(t, gw, nil)
	srv.seed(t, "s-1", "42")

	result := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		result <- srv.do("GET", "/v1/payments/s-1/wait", "")
	}()
	eventually(t, "wait subscription", func() bool { return srv.bus.Subscribers() == 1 })

	gw.set("CONFIRMED", nil)
	nav := srv.do("POST", "/v1/payments/s-1/navigation", `{"url":"https://pay.example/payment/success?paymentId=42"}`)
	if nav.Code != http.StatusOK {
		t.Fatalf("navigation: %d %s", nav.Code, nav.Body.String())
	}

	select {
	case rec := <-result:
		body := decode(t, rec)
		if body["status"] != "confirmed" || body["timedOut"] != nil {
			t.Errorf("wait returned %v", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestWaitPayment_Timeout(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)
	srv.seed(t, "s-1", "")

	start := time.Now()
	rec := srv.do("GET", "/v1/payments/s-1/wait?timeout=50ms", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["timedOut"] != true || body["status"] != "pending" {
		t.Errorf("unexpected body: %v", body)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("wait ignored the timeout: %s", elapsed)
	}
}

func TestWaitPayment_AlreadyTerminal(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)
	srv.seed(t, "s-1", "42")
	if _, _, err := srv.store.CommitStatus(context.Background(), storage.Commit{
		LocalID: "s-1",
		Status:  payment.StatusRejected,
		At:      time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	rec := srv.do("GET", "/v1/payments/s-1/wait?timeout=10s", "")
	if body := decode(t, rec); body["status"] != "rejected" || body["timedOut"] != nil {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestNavigation(t *testing.T) {
	gw := &stubGateway{status: "PENDING"}
	srv := newTestServer(t, gw, nil)
	srv.seed(t, "s-1", "42")

	rec := srv.do("POST", "/v1/payments/s-1/navigation", `{"url":"https://pay.example/payment/fail?paymentId=42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["signal"] != "navigation_failure" || body["triggered"] != true || body["failureNotified"] != true {
		t.Errorf("unexpected body: %v", body)
	}
	outcome, _ := body["outcome"].(map[string]any)
	if outcome["outcome"] != "progress" || outcome["source"] != "navigation" {
		t.Errorf("outcome = %v", outcome)
	}

	rec = srv.do("POST", "/v1/payments/s-1/navigation", `{"url":"https://pay.example/help"}`)
	if body := decode(t, rec); body["signal"] != "navigation_other" || body["triggered"] != false {
		t.Errorf("other navigation: %v", body)
	}

	if rec := srv.do("POST", "/v1/payments/s-1/navigation", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: %d", rec.Code)
	}
	if rec := srv.do("POST", "/v1/payments/nope/navigation", `{"url":"https://pay.example/payment/success"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: %d", rec.Code)
	}
}

func TestMessage(t *testing.T) {
	gw := &stubGateway{status: "PAID"}
	srv := newTestServer(t, gw, nil)
	srv.seed(t, "s-1", "42")

	rec := srv.do("POST", "/v1/payments/s-1/message", `{"foo":1}`)
	if body := decode(t, rec); body["signal"] != "message_ignored" || body["triggered"] != false {
		t.Errorf("ignored message: %v", body)
	}
	if gw.queries.Load() != 0 {
		t.Errorf("ignored message queried the gateway")
	}

	rec = srv.do("POST", "/v1/payments/s-1/message", `{"type":"pay_click","data":{"paymentId":"42"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	outcome, _ := body["outcome"].(map[string]any)
	p, _ := outcome["payment"].(map[string]any)
	if body["triggered"] != true || outcome["outcome"] != "terminal" || p["status"] != "confirmed" {
		t.Errorf("unexpected body: %v", body)
	}

	if rec := srv.do("POST", "/v1/payments/s-1/message", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: %d", rec.Code)
	}
}

func TestAbortPayment(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)
	srv.seed(t, "s-1", "42")
	if _, err := srv.pollers.Start("s-1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first tick resolved the reference", func() bool { return srv.res.Cache().Len() == 1 })

	rec := srv.do("POST", "/v1/payments/s-1/abort", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["poller"] != "aborted" || body["status"] != "pending" {
		t.Errorf("unexpected body: %v", body)
	}
	if srv.pollers.Tracking("s-1") {
		t.Error("aborted session is still tracked")
	}
	if n := srv.res.Cache().Len(); n != 0 {
		t.Errorf("resolver cache kept %d entries after abort", n)
	}
}

func TestRetryPayment_AfterExhaustion(t *testing.T) {
	gw := &stubGateway{queryErr: payment.NewTransientError("query", errors.New("i/o timeout"))}
	srv := newTestServer(t, gw, nil)

	session := payment.NewSession("s-1", decimal.NewFromInt(40), "usd", 1, time.Now())
	session.ExternalRef = "42"
	if err := srv.store.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.pollers.Start("s-1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "exhausted poller", func() bool {
		st, _ := srv.pollers.State("s-1")
		return st == poller.StateExhausted
	})

	rec := srv.do("GET", "/v1/payments/s-1", "")
	body := decode(t, rec)
	perr, _ := body["pollerError"].(map[string]any)
	if body["poller"] != "exhausted" || perr["code"] != "retry_budget_exhausted" {
		t.Errorf("snapshot = %v", body)
	}

	gw.set("CONFIRMED", nil)
	rec = srv.do("POST", "/v1/payments/s-1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body = decode(t, rec)
	p, _ := body["payment"].(map[string]any)
	if body["outcome"] != "terminal" || body["source"] != "manual" || p["status"] != "confirmed" || p["maxAttempts"] != float64(1) {
		t.Errorf("unexpected body: %v", body)
	}

	rec = srv.do("POST", "/v1/payments/s-1/retry", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "session_finalized" {
		t.Errorf("retry on terminal: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeepLink_AlwaysAccepted(t *testing.T) {
	gw := &stubGateway{status: "PENDING"}
	srv := newTestServer(t, gw, nil)
	srv.seed(t, "s-1", "42")
	if _, err := srv.pollers.Start("s-1"); err != nil {
		t.Fatal(err)
	}
	// Let the poller's immediate check finish before the gateway confirms.
	eventually(t, "first poller check", func() bool {
		s, err := srv.store.GetSession(context.Background(), "s-1")
		return err == nil && s.Attempts == 1
	})
	gw.set("CONFIRMED", nil)

	tests := []struct {
		name        string
		body        string
		disposition string
	}{
		{"broken body", `{"url":`, deeplink.Malformed},
		{"not a payment link", `{"url":"app://settings/open"}`, deeplink.Malformed},
		{"tracked session", `{"url":"app://payment/success?localId=s-1"}`, deeplink.Triggered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do("POST", "/v1/deeplinks", tt.body)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d", rec.Code)
			}
			if body := decode(t, rec); body["disposition"] != tt.disposition {
				t.Errorf("disposition = %v, want %s", body["disposition"], tt.disposition)
			}
		})
	}

	eventually(t, "confirmed session", func() bool {
		s, err := srv.store.GetSession(context.Background(), "s-1")
		return err == nil && s.Status == payment.StatusConfirmed
	})
}

func TestAppLifecycle(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, nil)
	srv.seed(t, "s-1", "")
	if _, err := srv.pollers.Start("s-1"); err != nil {
		t.Fatal(err)
	}

	rec := srv.do("POST", "/v1/app/background", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	body := decode(t, rec)
	tracked, _ := body["tracked"].([]any)
	if body["state"] != "background" || len(tracked) != 1 {
		t.Errorf("background: %v", body)
	}

	rec = srv.do("POST", "/v1/app/foreground", "")
	if body := decode(t, rec); body["state"] != "foreground" {
		t.Errorf("foreground: %v", body)
	}
	if !srv.pollers.Tracking("s-1") {
		t.Error("poller stopped within the grace period")
	}
}

func TestMetricsAuth(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, func(cfg *config.Config, _ *Dependencies) {
		cfg.Server.MetricsAPIKey = "s3cret"
	})

	if rec := srv.do("GET", "/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}
	if rec := srv.do("GET", "/metrics", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rec.Code)
	}
	rec := srv.do("GET", "/metrics", "", "Authorization", "Bearer s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "payrecon_") {
		t.Error("metrics body missing payrecon series")
	}
}

func TestSessionRateLimit(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, func(cfg *config.Config, _ *Dependencies) {
		cfg.RateLimit = config.RateLimitConfig{
			PerSessionEnabled: true,
			PerSessionLimit:   2,
			PerSessionWindow:  config.Duration{Duration: time.Minute},
		}
	})
	srv.seed(t, "s-1", "")
	srv.seed(t, "s-2", "")

	for i := 0; i < 2; i++ {
		if rec := srv.do("GET", "/v1/payments/s-1", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	if rec := srv.do("GET", "/v1/payments/s-1", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec := srv.do("GET", "/v1/payments/s-2", ""); rec.Code != http.StatusOK {
		t.Errorf("other session limited: %d", rec.Code)
	}
}

func TestAdminWebhooks_RequireAdminKey(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, func(cfg *config.Config, d *Dependencies) {
		cfg.APIKeys = config.APIKeysConfig{Enabled: true, Keys: map[string]string{"adm_1": "admin", "cln_1": "clinic"}}
		d.DLQ = callbacks.NewMemoryDLQStore()
	})

	if rec := srv.do("GET", "/v1/admin/webhooks", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
	if rec := srv.do("GET", "/v1/admin/webhooks", "", apikey.HeaderName, "cln_1"); rec.Code != http.StatusUnauthorized {
		t.Errorf("clinic key: expected 401, got %d", rec.Code)
	}
	rec := srv.do("GET", "/v1/admin/webhooks", "", apikey.HeaderName, "adm_1")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin key: expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["count"] != float64(0) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestAdminWebhooks_NotMountedWithoutKeys(t *testing.T) {
	srv := newTestServer(t, &stubGateway{}, func(_ *config.Config, d *Dependencies) {
		d.DLQ = callbacks.NewMemoryDLQStore()
	})
	if rec := srv.do("GET", "/v1/admin/webhooks", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
