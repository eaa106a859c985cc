package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/storage"
	"github.com/rs/zerolog"
)

// Source names the producer of a reconciliation request.
type Source string

const (
	SourcePoller     Source = "poller"
	SourceNavigation Source = "navigation"
	SourceMessage    Source = "message"
	SourceDeepLink   Source = "deeplink"
	SourceManual     Source = "manual"
)

// Update is one completed remote query to apply to a session.
// An empty Status records the attempt without changing the status.
type Update struct {
	LocalID   string
	Status    payment.Status
	CheckedAt time.Time
	Source    Source
}

// Result describes what Apply did.
type Result struct {
	Session payment.Session
	// Applied is false when the session was already terminal.
	Applied bool
	// Finalized is true only for the call that committed the terminal status.
	Finalized bool
}

// Reconciler is the only writer of session status. It enforces sticky
// terminal states and notifies subscribers exactly once per terminal outcome.
type Reconciler struct {
	store   storage.Store
	bus     *Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	hooks []func(payment.Session)
}

// NewReconciler creates a reconciler writing to store and publishing on bus.
func NewReconciler(store storage.Store, bus *Bus, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	if bus == nil {
		bus = NewBus(logger)
	}
	return &Reconciler{
		store:   store,
		bus:     bus,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// OnTerminal registers fn to run when a session is finalized, before
// subscribers are notified. The poller manager uses it to stop polling.
func (r *Reconciler) OnTerminal(fn func(payment.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Bus returns the event bus.
func (r *Reconciler) Bus() *Bus {
	return r.bus
}

// Reconcile commits status for localID as the result of one remote query.
// Calling it again with the same terminal status is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, localID string, status payment.Status) (payment.Session, error) {
	res, err := r.Apply(ctx, Update{LocalID: localID, Status: status, CheckedAt: r.now(), Source: SourceManual})
	return res.Session, err
}

// RecordAttempt counts a remote query that produced no status (transient or
// permanent failure).
func (r *Reconciler) RecordAttempt(ctx context.Context, localID string, source Source) (payment.Session, error) {
	res, err := r.Apply(ctx, Update{LocalID: localID, CheckedAt: r.now(), Source: source})
	return res.Session, err
}

// Apply commits u against the stored session.
func (r *Reconciler) Apply(ctx context.Context, u Update) (Result, error) {
	if u.Status != "" && !u.Status.Valid() {
		return Result{}, fmt.Errorf("reconcile: invalid status %q", u.Status)
	}

	current, err := r.store.GetSession(ctx, u.LocalID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: load session %s: %w", u.LocalID, err)
	}
	if current.IsTerminal() {
		r.logger.Debug().
			Str("local_id", u.LocalID).
			Str("status", string(current.Status)).
			Str("incoming", string(u.Status)).
			Msg("reconcile.sticky_noop")
		return Result{Session: current}, nil
	}

	next := nextStatus(current.Status, u.Status)
	checkedAt := u.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = r.now()
	}

	updated, applied, err := r.store.CommitStatus(ctx, storage.Commit{
		LocalID:       u.LocalID,
		Status:        next,
		Attempts:      current.Attempts + 1,
		LastCheckedAt: checkedAt,
		At:            r.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: commit %s: %w", u.LocalID, err)
	}
	if !applied {
		// Another path finalized the session between load and commit.
		return Result{Session: updated}, nil
	}

	res := Result{Session: updated, Applied: true}
	if next.IsTerminal() {
		res.Finalized = true
		r.finalize(updated, u.Source)
	} else {
		r.logger.Debug().
			Str("local_id", u.LocalID).
			Str("status", string(next)).
			Int("attempts", updated.Attempts).
			Str("source", string(u.Source)).
			Msg("reconcile.progress")
	}
	return res, nil
}

func (r *Reconciler) finalize(s payment.Session, source Source) {
	r.logger.Info().
		Str("local_id", s.LocalID).
		Str("status", string(s.Status)).
		Int("attempts", s.Attempts).
		Str("source", string(source)).
		Msg("reconcile.terminal")

	r.metrics.ObserveTerminal(string(s.Status), string(source), r.now().Sub(s.CreatedAt))

	r.mu.RLock()
	hooks := append([]func(payment.Session){}, r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(s)
	}

	r.bus.Publish(Event{
		Kind:    EventTerminal,
		LocalID: s.LocalID,
		Source:  source,
		Session: s,
	})
}

// nextStatus picks the status to commit. An incoming pending never
// downgrades an authorized session.
func nextStatus(current, incoming payment.Status) payment.Status {
	switch {
	case incoming == "":
		return current
	case incoming == payment.StatusPending && current == payment.StatusAuthorized:
		return current
	default:
		return incoming
	}
}
