package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/resolver"
	"github.com/dentiq/payrecon/internal/storage"
	"github.com/rs/zerolog"
)

// ErrEngineStopped is returned by Submit after Close.
var ErrEngineStopped = errors.New("reconcile: engine stopped")

// OutcomeKind is how a reconciliation request ended.
type OutcomeKind string

const (
	OutcomeProgress        OutcomeKind = "progress"         // queried, still non-terminal
	OutcomeTerminal        OutcomeKind = "terminal"         // this request committed the terminal status
	OutcomeAlreadyTerminal OutcomeKind = "already_terminal" // nothing to do
	OutcomeInFlight        OutcomeKind = "in_flight"        // dropped by the guard
	OutcomeThrottled       OutcomeKind = "throttled"        // a query completed moments ago
	OutcomeUnresolved      OutcomeKind = "unresolved"       // no external reference yet
	OutcomeExhausted       OutcomeKind = "exhausted"        // retry budget spent
	OutcomeTransient       OutcomeKind = "transient_error"
	OutcomePermanent       OutcomeKind = "permanent_error"
	OutcomeMismatch        OutcomeKind = "reference_mismatch"
	OutcomeNotFound        OutcomeKind = "not_found"
	OutcomeError           OutcomeKind = "error"
)

// Request asks the engine for one reconciliation attempt.
type Request struct {
	LocalID string
	Source  Source
	Signals resolver.Signals
	// IgnoreBudget lets a manual retry run after the budget is spent.
	IgnoreBudget bool
}

// Outcome is the result of one request.
type Outcome struct {
	LocalID string          `json:"localId"`
	Source  Source          `json:"source"`
	Kind    OutcomeKind     `json:"outcome"`
	Session payment.Session `json:"session"`
	Err     error           `json:"-"`
}

// Queried reports whether the request completed a remote query.
func (o Outcome) Queried() bool {
	switch o.Kind {
	case OutcomeProgress, OutcomeTerminal, OutcomeTransient, OutcomePermanent:
		return true
	}
	return false
}

type envelope struct {
	req   Request
	reply chan Outcome
}

// Config tunes the engine.
type Config struct {
	// MinCheckInterval skips non-manual requests arriving this soon after a completed query.
	MinCheckInterval time.Duration
	// Buffer is the capacity of the request channel.
	Buffer int
}

// Engine is the single fan-in point for every trigger source. Requests are
// read from one channel by one dispatcher that consults the guard; admitted
// attempts then run concurrently (one per session) so a slow gateway call for
// one session does not hold up the others.
type Engine struct {
	store      storage.Store
	resolver   *resolver.Resolver
	gateway    gateway.Gateway
	guard      *Guard
	reconciler *Reconciler
	signals    *signalBook
	cfg        Config
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	requests chan envelope
	quit     chan struct{}
	done     chan struct{}
	workers  sync.WaitGroup

	mu        sync.RWMutex
	started   bool
	stopped   bool
	closeOnce sync.Once
}

// NewEngine wires the reconciliation path.
func NewEngine(store storage.Store, res *resolver.Resolver, gw gateway.Gateway, rec *Reconciler, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	e := &Engine{
		store:      store,
		resolver:   res,
		gateway:    gw,
		guard:      NewGuard(),
		reconciler: rec,
		signals:    newSignalBook(),
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		requests:   make(chan envelope, cfg.Buffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	rec.OnTerminal(func(s payment.Session) {
		e.Forget(s.LocalID)
	})
	// An aborted session keeps its status but leaves active tracking.
	rec.Bus().Handle(func(ev Event) {
		if ev.Kind == EventAborted {
			e.Forget(ev.LocalID)
		}
	})
	return e
}

// Guard exposes the in-flight guard.
func (e *Engine) Guard() *Guard {
	return e.guard
}

// Reconciler exposes the state reconciler.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// Forget drops accumulated signals and cached references for a session that
// left active tracking without a terminal status.
func (e *Engine) Forget(localID string) {
	e.signals.Drop(localID)
	e.resolver.Forget(localID)
}

// Start launches the dispatcher. It is safe to call more than once.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	go e.dispatch()
}

// Close stops accepting requests and waits for running attempts to finish.
// In-flight gateway calls are allowed to complete.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)

		// Wait for enqueuers blocked on a full channel to observe quit.
		e.mu.Lock()
		e.stopped = true
		started := e.started
		e.mu.Unlock()

		if started {
			<-e.done
		}
		e.drain()
		e.workers.Wait()
	})
	return nil
}

// Submit publishes req and waits for its outcome. If ctx ends first the
// attempt keeps running and its result is discarded.
func (e *Engine) Submit(ctx context.Context, req Request) (Outcome, error) {
	if req.LocalID == "" {
		return Outcome{}, fmt.Errorf("reconcile: local id is required")
	}
	reply := make(chan Outcome, 1)
	if err := e.enqueue(ctx, envelope{req: req, reply: reply}); err != nil {
		return Outcome{}, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Trigger publishes req without waiting for the outcome.
func (e *Engine) Trigger(ctx context.Context, req Request) error {
	if req.LocalID == "" {
		return fmt.Errorf("reconcile: local id is required")
	}
	return e.enqueue(ctx, envelope{req: req})
}

func (e *Engine) enqueue(ctx context.Context, env envelope) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrEngineStopped
	}
	// Record signals before the guard sees the request so a dropped request
	// still contributes its identifiers to the next attempt.
	e.signals.Add(env.req.LocalID, env.req.Signals)

	select {
	case e.requests <- env:
		return nil
	case <-e.quit:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dispatch() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case env := <-e.requests:
			e.admit(env)
		}
	}
}

// drain answers requests still queued after the dispatcher stopped.
func (e *Engine) drain() {
	for {
		select {
		case env := <-e.requests:
			e.reply(env, Outcome{LocalID: env.req.LocalID, Source: env.req.Source, Kind: OutcomeError, Err: ErrEngineStopped})
		default:
			return
		}
	}
}

func (e *Engine) admit(env envelope) {
	req := env.req
	if !e.guard.TryEnter(req.LocalID) {
		e.metrics.ObserveGuardDrop(string(req.Source))
		e.logger.Debug().
			Str("local_id", req.LocalID).
			Str("source", string(req.Source)).
			Msg("reconcile.dropped_in_flight")
		e.reply(env, e.finish(req, Outcome{Kind: OutcomeInFlight}))
		return
	}

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		out := e.finish(req, e.attempt(req))
		// Release before replying so a caller that submits again on receipt
		// is not dropped as in flight.
		e.guard.Exit(req.LocalID)
		e.reply(env, out)
	}()
}

func (e *Engine) finish(req Request, out Outcome) Outcome {
	out.LocalID = req.LocalID
	out.Source = req.Source
	e.metrics.ObserveAttempt(string(req.Source), string(out.Kind))
	return out
}

func (e *Engine) reply(env envelope, out Outcome) {
	if env.reply != nil {
		env.reply <- out
	}
}

// attempt runs resolve -> query -> map -> reconcile for one admitted request.
// The caller holds the guard for req.LocalID.
func (e *Engine) attempt(req Request) Outcome {
	// Detached from any caller: cancelling a trigger must not cancel the query.
	ctx := context.Background()
	log := e.logger.With().Str("local_id", req.LocalID).Str("source", string(req.Source)).Logger()

	session, err := e.store.GetSession(ctx, req.LocalID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound, Err: err}
	}
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	if session.IsTerminal() {
		return Outcome{Kind: OutcomeAlreadyTerminal, Session: session}
	}
	if session.BudgetExhausted() && !req.IgnoreBudget {
		return Outcome{Kind: OutcomeExhausted, Session: session, Err: payment.ErrRetryBudgetExhausted}
	}
	if req.Source != SourceManual && session.CheckedWithin(e.cfg.MinCheckInterval, e.now()) {
		return Outcome{Kind: OutcomeThrottled, Session: session}
	}

	res, err := e.resolver.Resolve(session, e.signals.Get(req.LocalID))
	if err != nil {
		// The conflicting identifiers are discarded so later attempts fall
		// back to the bound reference.
		e.signals.Drop(req.LocalID)
		log.Error().Err(err).Msg("reconcile.reference_mismatch")
		return Outcome{Kind: OutcomeMismatch, Session: session, Err: err}
	}
	if !res.Resolved() {
		log.Debug().Msg("reconcile.unresolved")
		return Outcome{Kind: OutcomeUnresolved, Session: session, Err: payment.ErrUnresolvedReference}
	}

	if session.ExternalRef == "" && res.Strategy != resolver.StrategyDegraded {
		bound, err := e.store.BindExternalRef(ctx, req.LocalID, res.Ref)
		if errors.Is(err, payment.ErrReferenceMismatch) {
			log.Error().Err(err).Msg("reconcile.reference_mismatch")
			return Outcome{Kind: OutcomeMismatch, Session: bound, Err: err}
		}
		if err != nil {
			return Outcome{Kind: OutcomeError, Session: session, Err: err}
		}
		session = bound
	}

	log.Debug().
		Str("external_ref", logger.TruncateRef(res.Ref)).
		Str("strategy", string(res.Strategy)).
		Int("attempts", session.Attempts).
		Msg("reconcile.attempt_started")

	raw, qerr := e.gateway.Query(ctx, res.Ref)
	if qerr != nil {
		kind := OutcomeTransient
		if payment.IsPermanent(qerr) {
			kind = OutcomePermanent
			log.Warn().Err(qerr).Msg("reconcile.permanent_error")
		} else {
			log.Debug().Err(qerr).Msg("reconcile.transient_error")
		}
		updated, err := e.reconciler.RecordAttempt(ctx, req.LocalID, req.Source)
		if err != nil {
			return Outcome{Kind: OutcomeError, Session: session, Err: errors.Join(qerr, err)}
		}
		if updated.IsTerminal() {
			return Outcome{Kind: OutcomeAlreadyTerminal, Session: updated}
		}
		return Outcome{Kind: kind, Session: updated, Err: qerr}
	}

	status := payment.Map(raw)
	if !payment.IsKnownCode(raw.Code) {
		log.Warn().Str("raw_status", raw.Code).Msg("reconcile.unmapped_status")
	}

	result, err := e.reconciler.Apply(ctx, Update{
		LocalID:   req.LocalID,
		Status:    status,
		CheckedAt: e.now(),
		Source:    req.Source,
	})
	if err != nil {
		return Outcome{Kind: OutcomeError, Session: session, Err: err}
	}
	switch {
	case result.Finalized:
		return Outcome{Kind: OutcomeTerminal, Session: result.Session}
	case result.Session.IsTerminal():
		return Outcome{Kind: OutcomeAlreadyTerminal, Session: result.Session}
	default:
		return Outcome{Kind: OutcomeProgress, Session: result.Session}
	}
}

// signalBook accumulates identifier signals per session between attempts.
type signalBook struct {
	mu      sync.Mutex
	signals map[string]resolver.Signals
}

func newSignalBook() *signalBook {
	return &signalBook{signals: make(map[string]resolver.Signals)}
}

func (b *signalBook) Add(localID string, sig resolver.Signals) {
	if sig.IsEmpty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals[localID] = b.signals[localID].Merge(sig)
}

func (b *signalBook) Get(localID string) resolver.Signals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals[localID].Merge(resolver.Signals{})
}

func (b *signalBook) Drop(localID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.signals, localID)
}
