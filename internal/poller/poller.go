// Package poller drives the timer-based reconciliation loop for each tracked
// payment session.
//
// Each session gets one cancelable task with an explicit state machine:
//
//	Idle -> Polling -> {Terminal, Exhausted, Aborted, Failed}
//
// Entering Polling performs one attempt immediately and then one per
// interval. Ticks go through the reconciliation engine like every other
// trigger, so they are deduplicated against navigation, message and deep
// link triggers by the in-flight guard.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/rs/zerolog"
)

// State is the poller state for one session.
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateTerminal  State = "terminal"
	StateExhausted State = "exhausted"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Ended reports whether the loop has stopped.
func (s State) Ended() bool {
	switch s {
	case StateTerminal, StateExhausted, StateAborted, StateFailed:
		return true
	}
	return false
}

// Engine is the part of the reconciliation engine the poller needs.
type Engine interface {
	Submit(ctx context.Context, req reconcile.Request) (reconcile.Outcome, error)
	Forget(localID string)
}

// Config tunes the poller.
type Config struct {
	Interval        time.Duration
	BackgroundGrace time.Duration
	Retention       time.Duration // how long an ended task stays queryable before release
}

// ConfigFrom extracts the poller settings from the reconcile config section.
func ConfigFrom(cfg config.ReconcileConfig) Config {
	return Config{
		Interval:        cfg.PollInterval.Duration,
		BackgroundGrace: cfg.BackgroundGrace.Duration,
		Retention:       cfg.EndedRetention.Duration,
	}
}

type task struct {
	localID string
	state   State
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
	// pausedByBackground marks tasks aborted by the background grace timer;
	// they restart on foreground.
	pausedByBackground bool
	release            *time.Timer
}

// Manager owns the poller tasks of every tracked session.
type Manager struct {
	engine  Engine
	bus     *reconcile.Bus
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	tasks        map[string]*task
	background   *time.Timer
	backgrounded bool
	closed       bool
}

// NewManager creates a poller manager. Pollers stop on their own when rec
// commits a terminal status for their session.
func NewManager(engine Engine, rec *reconcile.Reconciler, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BackgroundGrace <= 0 {
		cfg.BackgroundGrace = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		engine:  engine,
		bus:     rec.Bus(),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
	}
	rec.OnTerminal(func(s payment.Session) {
		mgr.end(s.LocalID, StateTerminal, nil)
	})
	return mgr
}

// Start begins polling localID. Starting a session that is already polling is
// a no-op; starting one whose loop ended begins a fresh loop.
func (m *Manager) Start(localID string) (State, error) {
	if localID == "" {
		return StateIdle, fmt.Errorf("poller: local id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return StateIdle, fmt.Errorf("poller: manager closed")
	}
	if t, ok := m.tasks[localID]; ok {
		if t.state == StatePolling {
			return StatePolling, nil
		}
		if t.release != nil {
			t.release.Stop()
		}
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{
		localID: localID,
		state:   StatePolling,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.tasks[localID] = t
	m.metrics.PollerStarted()
	m.logger.Info().
		Str("local_id", localID).
		Dur("interval", m.cfg.Interval).
		Msg("poller.started")

	m.wg.Add(1)
	go m.run(ctx, t)
	return StatePolling, nil
}

// Abort stops polling localID without touching the session, e.g. when the user
// leaves the payment screen. The returned state is the one the task ended in.
func (m *Manager) Abort(localID string) (State, bool) {
	m.end(localID, StateAborted, nil)
	return m.State(localID)
}

// State returns the current poller state for localID.
func (m *Manager) State(localID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[localID]
	if !ok {
		return StateIdle, false
	}
	return t.state, true
}

// Err returns the error the loop for localID ended with, if any.
func (m *Manager) Err(localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[localID]; ok {
		return t.err
	}
	return nil
}

// Tracking reports whether the app still considers localID an open payment.
// Exhausted and failed sessions stay tracked until released so a late deep
// link can still be reported.
func (m *Manager) Tracking(localID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[localID]
	if !ok {
		return false
	}
	return t.state == StatePolling || t.state == StateExhausted || t.state == StateFailed
}

// Active returns the local ids currently polling.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.tasks {
		if t.state == StatePolling {
			ids = append(ids, id)
		}
	}
	return ids
}

// Done returns a channel closed when the current loop for localID exits.
func (m *Manager) Done(localID string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[localID]
	if !ok {
		return nil, false
	}
	return t.done, true
}

// Background records that the app moved to the background. Pollers still
// running when the grace period elapses are aborted.
func (m *Manager) Background() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.backgrounded {
		return
	}
	m.backgrounded = true
	m.background = time.AfterFunc(m.cfg.BackgroundGrace, m.abortBackgrounded)
	m.logger.Debug().Dur("grace", m.cfg.BackgroundGrace).Msg("poller.app_backgrounded")
}

// Foreground cancels a pending background abort and restarts pollers that
// were aborted by it.
func (m *Manager) Foreground() {
	m.mu.Lock()
	if !m.backgrounded {
		m.mu.Unlock()
		return
	}
	m.backgrounded = false
	if m.background != nil {
		m.background.Stop()
		m.background = nil
	}
	var resume []string
	for id, t := range m.tasks {
		if t.pausedByBackground {
			t.pausedByBackground = false
			resume = append(resume, id)
		}
	}
	m.mu.Unlock()

	for _, id := range resume {
		if _, err := m.Start(id); err != nil {
			m.logger.Warn().Err(err).Str("local_id", id).Msg("poller.resume_failed")
		}
	}
	m.logger.Debug().Int("resumed", len(resume)).Msg("poller.app_foregrounded")
}

func (m *Manager) abortBackgrounded() {
	m.mu.Lock()
	if !m.backgrounded {
		m.mu.Unlock()
		return
	}
	var ids []string
	for id, t := range m.tasks {
		if t.state == StatePolling {
			t.pausedByBackground = true
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.end(id, StateAborted, nil)
	}
	m.logger.Info().Int("aborted", len(ids)).Msg("poller.background_grace_elapsed")
}

// Close stops every poller and waits for their loops to exit. In-flight
// gateway calls are not cancelled.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.background != nil {
		m.background.Stop()
	}
	for _, t := range m.tasks {
		if t.state == StatePolling {
			t.state = StateAborted
			m.metrics.PollerStopped(string(StateAborted))
		}
		if t.release != nil {
			t.release.Stop()
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer close(t.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var unresolved int
	for {
		next, err := m.tick(ctx, t.localID, &unresolved)
		if next.Ended() {
			m.end(t.localID, next, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one attempt and returns the state the loop should move to.
func (m *Manager) tick(ctx context.Context, localID string, unresolved *int) (State, error) {
	out, err := m.engine.Submit(ctx, reconcile.Request{LocalID: localID, Source: reconcile.SourcePoller})
	switch {
	case errors.Is(err, context.Canceled):
		// Stopped by end(); the in-flight attempt finishes on its own.
		return StatePolling, nil
	case errors.Is(err, reconcile.ErrEngineStopped):
		return StateAborted, nil
	case err != nil:
		m.logger.Error().Err(err).Str("local_id", localID).Msg("poller.submit_failed")
		return StatePolling, nil
	}

	switch out.Kind {
	case reconcile.OutcomeTerminal, reconcile.OutcomeAlreadyTerminal:
		return StateTerminal, nil
	case reconcile.OutcomeExhausted:
		return StateExhausted, payment.ErrRetryBudgetExhausted
	case reconcile.OutcomePermanent:
		return StateFailed, out.Err
	case reconcile.OutcomeNotFound:
		return StateAborted, nil
	case reconcile.OutcomeUnresolved:
		*unresolved++
		if limit := out.Session.MaxAttempts; limit > 0 && *unresolved >= limit {
			return StateExhausted, fmt.Errorf("%w: reference never resolved", payment.ErrRetryBudgetExhausted)
		}
		return StatePolling, nil
	}

	*unresolved = 0
	if out.Session.LocalID != "" && !out.Session.IsTerminal() && out.Session.BudgetExhausted() {
		return StateExhausted, payment.ErrRetryBudgetExhausted
	}
	return StatePolling, nil
}

// end moves a polling task to state, cancels its timer and publishes the
// matching event. Tasks that already ended are left alone.
func (m *Manager) end(localID string, state State, cause error) {
	m.mu.Lock()
	t, ok := m.tasks[localID]
	if !ok || t.state != StatePolling {
		m.mu.Unlock()
		return
	}
	t.state = state
	t.err = cause
	t.cancel()
	if !m.closed {
		t.release = time.AfterFunc(m.cfg.Retention, func() { m.releaseTask(t) })
	}
	m.mu.Unlock()

	m.metrics.PollerStopped(string(state))

	log := m.logger.With().Str("local_id", localID).Logger()
	var kind reconcile.EventKind
	switch state {
	case StateTerminal:
		log.Info().Msg("poller.terminal")
		return
	case StateExhausted:
		kind = reconcile.EventExhausted
		log.Warn().Err(cause).Msg("poller.exhausted")
	case StateFailed:
		kind = reconcile.EventFailed
		log.Warn().Err(cause).Msg("poller.failed")
	case StateAborted:
		kind = reconcile.EventAborted
		log.Info().Msg("poller.aborted")
	}

	e := reconcile.Event{Kind: kind, LocalID: localID, Source: reconcile.SourcePoller}
	if cause != nil {
		e.Message = userMessage(state, cause)
	}
	m.bus.Publish(e)
}

// releaseTask drops an ended task once its retention elapsed, unless it was
// restarted or is waiting for the app to return to the foreground.
func (m *Manager) releaseTask(t *task) {
	m.mu.Lock()
	if m.tasks[t.localID] != t || !t.state.Ended() || t.pausedByBackground {
		m.mu.Unlock()
		return
	}
	delete(m.tasks, t.localID)
	state := t.state
	m.mu.Unlock()

	m.engine.Forget(t.localID)
	m.logger.Debug().Str("local_id", t.localID).Str("state", string(state)).Msg("poller.released")
}

// Len returns the number of tasks held, ended ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func userMessage(state State, cause error) string {
	switch state {
	case StateExhausted:
		return "We could not confirm the payment in time. Retry the check or contact support."
	case StateFailed:
		var perr *payment.PermanentError
		if errors.As(cause, &perr) && perr.Message != "" {
			return "The payment could not be verified: " + perr.Message
		}
		return "The payment could not be verified."
	}
	return cause.Error()
}
