package reconcile

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/resolver"
	"github.com/dentiq/payrecon/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// fakeGateway replays scripted responses and records concurrency.
type fakeGateway struct {
	mu        sync.Mutex
	responses []response
	fallback  response
	delay     time.Duration

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	refs        []string
}

type response struct {
	code string
	err  error
}

func (g *fakeGateway) Query(_ context.Context, ref string) (payment.RawStatus, error) {
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxInFlight.Load()
		if cur <= seen || g.maxInFlight.CompareAndSwap(seen, cur) {
			break
		}
	}
	g.calls.Add(1)

	g.mu.Lock()
	g.refs = append(g.refs, ref)
	r := g.fallback
	if len(g.responses) > 0 {
		r = g.responses[0]
		g.responses = g.responses[1:]
	}
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if r.err != nil {
		return payment.RawStatus{}, r.err
	}
	return payment.RawStatus{Code: r.code}, nil
}

func (g *fakeGateway) CreateSession(context.Context, gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
	return gateway.CreateSessionResult{}, errors.New("not implemented")
}

func (g *fakeGateway) Name() string { return "fake" }

type harness struct {
	store   *storage.MemoryStore
	res     *resolver.Resolver
	bus     *Bus
	rec     *Reconciler
	engine  *Engine
	gw      *fakeGateway
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, gw *fakeGateway, cfg Config) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	bus := NewBus(zerolog.Nop())
	rec := NewReconciler(store, bus, m, zerolog.Nop())
	res := resolver.New()
	eng := NewEngine(store, res, gw, rec, cfg, m, zerolog.Nop())
	eng.Start()
	t.Cleanup(func() {
		_ = eng.Close()
		_ = store.Close()
	})
	return &harness{store: store, res: res, bus: bus, rec: rec, engine: eng, gw: gw, metrics: m}
}

func (h *harness) create(t *testing.T, localID, ref string, maxAttempts int) {
	t.Helper()
	s := payment.NewSession(localID, decimal.RequireFromString("120.00"), "usd", maxAttempts, time.Now())
	s.ExternalRef = ref
	if err := h.store.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func (h *harness) session(t *testing.T, localID string) payment.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), localID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

func countTerminal(bus *Bus) *atomic.Int32 {
	var n atomic.Int32
	bus.Handle(func(e Event) {
		if e.Kind == EventTerminal {
			n.Add(1)
		}
	})
	return &n
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	if !g.TryEnter("a") {
		t.Fatal("first enter should succeed")
	}
	if g.TryEnter("a") {
		t.Error("second enter should fail")
	}
	if !g.TryEnter("b") {
		t.Error("other session should not be blocked")
	}
	g.Exit("a")
	if g.InFlight("a") || !g.TryEnter("a") {
		t.Error("enter after exit should succeed")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, Config{})
	h.create(t, "s-1", "42", 5)
	terminal := countTerminal(h.bus)

	var hookCalls atomic.Int32
	h.rec.OnTerminal(func(payment.Session) { hookCalls.Add(1) })

	first, err := h.rec.Reconcile(context.Background(), "s-1", payment.StatusConfirmed)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := h.rec.Reconcile(context.Background(), "s-1", payment.StatusConfirmed)
		if err != nil {
			t.Fatalf("Reconcile #%d: %v", i, err)
		}
		if again.Status != first.Status || again.Attempts != first.Attempts || !again.UpdatedAt.Equal(first.UpdatedAt) {
			t.Fatalf("repeat reconcile changed state: %+v vs %+v", again, first)
		}
	}
	if terminal.Load() != 1 || hookCalls.Load() != 1 {
		t.Errorf("terminal notifications = %d, hooks = %d, want 1 each", terminal.Load(), hookCalls.Load())
	}
}

func TestReconcile_Sticky(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, Config{})
	h.create(t, "s-2", "42", 5)

	if _, err := h.rec.Reconcile(context.Background(), "s-2", payment.StatusRejected); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for _, status := range []payment.Status{
		payment.StatusPending, payment.StatusAuthorized, payment.StatusConfirmed,
		payment.StatusCanceled, payment.StatusRefunded, payment.StatusExpired,
	} {
		s, err := h.rec.Reconcile(context.Background(), "s-2", status)
		if err != nil {
			t.Fatalf("Reconcile(%s): %v", status, err)
		}
		if s.Status != payment.StatusRejected {
			t.Fatalf("status changed to %s after terminal", s.Status)
		}
	}
}

func TestReconcile_NonTerminalCountsAttempts(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, Config{})
	h.create(t, "s-3", "42", 5)
	terminal := countTerminal(h.bus)

	s, _ := h.rec.Reconcile(context.Background(), "s-3", payment.StatusAuthorized)
	if s.Attempts != 1 || s.Status != payment.StatusAuthorized || s.LastCheckedAt.IsZero() {
		t.Fatalf("after first: %+v", s)
	}
	// An unmapped code arrives as pending; authorized is kept.
	s, _ = h.rec.Reconcile(context.Background(), "s-3", payment.StatusPending)
	if s.Attempts != 2 || s.Status != payment.StatusAuthorized {
		t.Fatalf("after second: %+v", s)
	}
	if terminal.Load() != 0 {
		t.Error("non-terminal update fired a terminal notification")
	}

	if _, err := h.rec.Reconcile(context.Background(), "missing", payment.StatusPending); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing session: %v", err)
	}
	if _, err := h.rec.Reconcile(context.Background(), "s-3", payment.Status("bogus")); err == nil {
		t.Error("expected invalid status error")
	}
}

func TestEngine_ConfirmsAndBindsReference(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "CONFIRMED"}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-4", "", 5)

	out, err := h.engine.Submit(context.Background(), Request{
		LocalID: "s-4",
		Source:  SourceDeepLink,
		Signals: resolver.Signals{URLs: []string{"app://payment/success?paymentId=42"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != OutcomeTerminal || out.Session.Status != payment.StatusConfirmed {
		t.Fatalf("outcome = %+v", out)
	}
	if s := h.session(t, "s-4"); s.ExternalRef != "42" || s.Attempts != 1 {
		t.Errorf("session = %+v", s)
	}
	if got := promtest.ToFloat64(h.metrics.AttemptsTotal.WithLabelValues("deeplink", "terminal")); got != 1 {
		t.Errorf("attempt metric = %.0f", got)
	}
}

func TestEngine_UnresolvedDoesNotQuery(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "CONFIRMED"}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-5", "", 5)

	out, err := h.engine.Submit(context.Background(), Request{LocalID: "s-5", Source: SourcePoller})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != OutcomeUnresolved || !errors.Is(out.Err, payment.ErrUnresolvedReference) {
		t.Errorf("outcome = %+v", out)
	}
	if gw.calls.Load() != 0 {
		t.Error("gateway queried without a reference")
	}
	if s := h.session(t, "s-5"); s.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", s.Attempts)
	}
}

func TestEngine_ErrorsCountAttempts(t *testing.T) {
	gw := &fakeGateway{responses: []response{
		{err: payment.NewTransientError("query", errors.New("timeout"))},
		{err: &payment.PermanentError{StatusCode: http.StatusNotFound, Code: "unknown_reference"}},
	}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-6", "42", 5)

	out, _ := h.engine.Submit(context.Background(), Request{LocalID: "s-6", Source: SourcePoller})
	if out.Kind != OutcomeTransient || out.Session.Attempts != 1 {
		t.Errorf("transient outcome = %+v", out)
	}
	out, _ = h.engine.Submit(context.Background(), Request{LocalID: "s-6", Source: SourcePoller})
	if out.Kind != OutcomePermanent || out.Session.Attempts != 2 || !payment.IsPermanent(out.Err) {
		t.Errorf("permanent outcome = %+v", out)
	}
	if s := h.session(t, "s-6"); s.Status != payment.StatusPending {
		t.Errorf("status = %s, want pending", s.Status)
	}
}

func TestEngine_BudgetAndManualRetry(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "PENDING"}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-7", "42", 1)

	if out, _ := h.engine.Submit(context.Background(), Request{LocalID: "s-7", Source: SourcePoller}); out.Kind != OutcomeProgress {
		t.Fatalf("first attempt = %+v", out)
	}
	out, _ := h.engine.Submit(context.Background(), Request{LocalID: "s-7", Source: SourceMessage})
	if out.Kind != OutcomeExhausted || !errors.Is(out.Err, payment.ErrRetryBudgetExhausted) {
		t.Fatalf("over budget = %+v", out)
	}

	gw.mu.Lock()
	gw.fallback = response{code: "PAID"}
	gw.mu.Unlock()
	out, _ = h.engine.Submit(context.Background(), Request{LocalID: "s-7", Source: SourceManual, IgnoreBudget: true})
	if out.Kind != OutcomeTerminal || out.Session.Status != payment.StatusConfirmed {
		t.Fatalf("manual retry = %+v", out)
	}
	if out.Session.MaxAttempts != 1 {
		t.Errorf("manual retry changed maxAttempts to %d", out.Session.MaxAttempts)
	}
}

func TestEngine_Throttle(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "PENDING"}}
	h := newHarness(t, gw, Config{MinCheckInterval: time.Minute})
	h.create(t, "s-8", "42", 5)

	_, _ = h.engine.Submit(context.Background(), Request{LocalID: "s-8", Source: SourcePoller})
	out, _ := h.engine.Submit(context.Background(), Request{LocalID: "s-8", Source: SourceMessage})
	if out.Kind != OutcomeThrottled {
		t.Errorf("second trigger = %+v, want throttled", out)
	}
	out, _ = h.engine.Submit(context.Background(), Request{LocalID: "s-8", Source: SourceManual})
	if out.Kind != OutcomeProgress {
		t.Errorf("manual trigger = %+v, want progress", out)
	}
	if gw.calls.Load() != 2 {
		t.Errorf("gateway calls = %d, want 2", gw.calls.Load())
	}
}

func TestEngine_ReferenceMismatch(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "CONFIRMED"}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-9", "42", 5)

	out, _ := h.engine.Submit(context.Background(), Request{
		LocalID: "s-9",
		Source:  SourceDeepLink,
		Signals: resolver.Signals{URLs: []string{"app://payment/success?paymentId=43"}},
	})
	if out.Kind != OutcomeMismatch || !errors.Is(out.Err, payment.ErrReferenceMismatch) {
		t.Fatalf("outcome = %+v", out)
	}
	if s := h.session(t, "s-9"); s.ExternalRef != "42" || s.Status != payment.StatusPending {
		t.Errorf("session changed: %+v", s)
	}
	if gw.calls.Load() != 0 {
		t.Error("gateway queried despite mismatch")
	}

	out, _ = h.engine.Submit(context.Background(), Request{LocalID: "s-9", Source: SourcePoller})
	if out.Kind != OutcomeTerminal || gw.refs[0] != "42" {
		t.Errorf("follow-up = %+v, refs = %v", out, gw.refs)
	}
}

func TestEngine_SingleFlight(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "PENDING"}, delay: 30 * time.Millisecond}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-10", "42", 1000)

	sources := []Source{SourcePoller, SourceMessage, SourceNavigation, SourceDeepLink}
	var wg sync.WaitGroup
	var dropped atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.engine.Submit(context.Background(), Request{LocalID: "s-10", Source: sources[i%len(sources)]})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if out.Kind == OutcomeInFlight {
				dropped.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if peak := gw.maxInFlight.Load(); peak != 1 {
		t.Errorf("max in-flight queries = %d, want 1", peak)
	}
	if dropped.Load() == 0 {
		t.Error("expected some triggers to be dropped by the guard")
	}
	if s := h.session(t, "s-10"); int32(s.Attempts) != gw.calls.Load() {
		t.Errorf("attempts = %d, gateway calls = %d", s.Attempts, gw.calls.Load())
	}
}

func TestEngine_ButtonClickAndTickTogether(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "CONFIRMED"}, delay: 50 * time.Millisecond}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-11", "42", 5)

	start := make(chan struct{})
	outcomes := make([]Outcome, 2)
	var wg sync.WaitGroup
	for i, src := range []Source{SourceMessage, SourcePoller} {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			<-start
			outcomes[i], _ = h.engine.Submit(context.Background(), Request{LocalID: "s-11", Source: src})
		}(i, src)
	}
	close(start)
	wg.Wait()

	if gw.calls.Load() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls.Load())
	}
	var dropped int
	for _, out := range outcomes {
		if out.Kind == OutcomeInFlight {
			dropped++
		}
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1 (%+v)", dropped, outcomes)
	}

	// The dropped trigger's follow-up sees the same resolved status.
	out, _ := h.engine.Submit(context.Background(), Request{LocalID: "s-11", Source: SourcePoller})
	if out.Session.Status != payment.StatusConfirmed {
		t.Errorf("follow-up status = %s", out.Session.Status)
	}
}

func TestEngine_SequentialSubmitsAreNotDropped(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(4))

	gw := &fakeGateway{fallback: response{code: "PENDING"}}
	h := newHarness(t, gw, Config{})
	const n = 2000
	h.create(t, "s-seq", "42", n+1)

	for i := 0; i < n; i++ {
		out, err := h.engine.Submit(context.Background(), Request{LocalID: "s-seq", Source: SourceManual})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if out.Kind == OutcomeInFlight {
			t.Fatalf("submit %d dropped as in flight with no other attempt running", i)
		}
	}
	if got := gw.calls.Load(); got != n {
		t.Errorf("gateway calls = %d, want %d", got, n)
	}
}

func TestEngine_StaleResponseDoesNotRegress(t *testing.T) {
	gw := &fakeGateway{responses: []response{{code: "CONFIRMED"}, {code: "AUTHORIZED"}}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-12", "42", 5)
	terminal := countTerminal(h.bus)

	first, _ := h.engine.Submit(context.Background(), Request{LocalID: "s-12", Source: SourcePoller})
	if first.Kind != OutcomeTerminal {
		t.Fatalf("first = %+v", first)
	}

	// A stale AUTHORIZED arriving straight at the reconciler is a no-op.
	s, err := h.rec.Reconcile(context.Background(), "s-12", payment.Map(payment.RawStatus{Code: "AUTHORIZED"}))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Status != payment.StatusConfirmed || s.Attempts != first.Session.Attempts {
		t.Errorf("session regressed: %+v", s)
	}
	if terminal.Load() != 1 {
		t.Errorf("terminal notifications = %d", terminal.Load())
	}
}

func TestEngine_DroppedSignalsAreKept(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "PAID"}, delay: 30 * time.Millisecond}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-13", "", 5)

	// Hold the guard as if another attempt were running.
	h.engine.Guard().TryEnter("s-13")
	out, _ := h.engine.Submit(context.Background(), Request{
		LocalID: "s-13",
		Source:  SourceDeepLink,
		Signals: resolver.Signals{URLs: []string{"app://payment/success?paymentId=42"}},
	})
	if out.Kind != OutcomeInFlight {
		t.Fatalf("expected drop, got %+v", out)
	}
	h.engine.Guard().Exit("s-13")

	out, _ = h.engine.Submit(context.Background(), Request{LocalID: "s-13", Source: SourcePoller})
	if out.Kind != OutcomeTerminal {
		t.Fatalf("next tick = %+v", out)
	}
	if gw.refs[0] != "42" {
		t.Errorf("queried ref %q", gw.refs[0])
	}
}

func TestEngine_Close(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, Config{})
	if err := h.engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.engine.Submit(context.Background(), Request{LocalID: "x", Source: SourcePoller}); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Submit after Close: %v", err)
	}
	if err := h.engine.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBus_SubscribeFiltersBySession(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	mine, cancel := bus.Subscribe("a", 1)
	defer cancel()
	all, cancelAll := bus.Subscribe("", 4)

	bus.Publish(Event{Kind: EventExhausted, LocalID: "b"})
	bus.Publish(Event{Kind: EventTerminal, LocalID: "a"})

	select {
	case e := <-mine:
		if e.LocalID != "a" || e.ID == "" || e.At.IsZero() {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("expected event for a")
	}
	if len(all) != 2 {
		t.Errorf("global subscriber got %d events", len(all))
	}

	cancelAll()
	cancelAll()
	if bus.Subscribers() != 1 {
		t.Errorf("subscribers = %d", bus.Subscribers())
	}
	if !(Event{Kind: EventFailed}).UserVisibleError() || (Event{Kind: EventTerminal}).UserVisibleError() {
		t.Error("UserVisibleError classification wrong")
	}
}

func TestEngine_AbortedSessionIsForgotten(t *testing.T) {
	gw := &fakeGateway{fallback: response{code: "PENDING"}}
	h := newHarness(t, gw, Config{})
	h.create(t, "s-14", "", 5)

	out, _ := h.engine.Submit(context.Background(), Request{
		LocalID: "s-14",
		Source:  SourceMessage,
		Signals: resolver.Signals{URLs: []string{"https://pay.example/return?paymentId=42"}, Hints: []string{"77"}},
	})
	if out.Kind != OutcomeProgress {
		t.Fatalf("attempt = %+v", out)
	}
	if h.res.Cache().Len() != 1 {
		t.Fatalf("cache len = %d, want 1", h.res.Cache().Len())
	}

	h.bus.Publish(Event{Kind: EventAborted, LocalID: "s-14"})
	if h.res.Cache().Len() != 0 {
		t.Errorf("cache len after abort = %d, want 0", h.res.Cache().Len())
	}
	if sig := h.engine.signals.Get("s-14"); !sig.IsEmpty() {
		t.Errorf("signals kept after abort: %+v", sig)
	}
}
