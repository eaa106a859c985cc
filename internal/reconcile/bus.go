package reconcile

import (
	"sync"
	"time"

	"github.com/dentiq/payrecon/internal/payment"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind classifies what subscribers are told.
type EventKind string

const (
	// EventTerminal fires exactly once per session, when its terminal status is committed.
	EventTerminal EventKind = "payment.terminal"
	// EventFailureNotice is the immediate user-visible failure raised by a
	// gateway failure redirect, ahead of remote confirmation.
	EventFailureNotice EventKind = "payment.failure_notice"
	// EventExhausted means the retry budget ran out without a terminal status.
	EventExhausted EventKind = "payment.exhausted"
	// EventFailed means the gateway permanently rejected the status query.
	EventFailed EventKind = "payment.failed"
	// EventAborted means polling stopped without touching the session.
	EventAborted EventKind = "payment.aborted"
)

// Event is delivered to subscribers.
type Event struct {
	ID      string          `json:"eventId"`
	Kind    EventKind       `json:"eventType"`
	LocalID string          `json:"localId"`
	Source  Source          `json:"source,omitempty"`
	Session payment.Session `json:"session"`
	Message string          `json:"message,omitempty"`
	At      time.Time       `json:"eventTimestamp"`
}

// UserVisibleError reports whether the event should be shown as an error.
// Negative terminal outcomes are business results, not errors.
func (e Event) UserVisibleError() bool {
	return e.Kind == EventExhausted || e.Kind == EventFailed
}

type subscription struct {
	localID string
	ch      chan Event
}

// Bus fans events out to in-process subscribers.
//
// Handlers registered with Handle run synchronously on the publishing
// goroutine and see every event. Channel subscriptions are buffered and never
// block the publisher; an event that does not fit is dropped and logged.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscription
	handlers []func(Event)
	nextID   int
	logger   zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Handle registers fn for every event.
func (b *Bus) Handle(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Subscribe returns a channel of events for localID ("" for all sessions) and
// a cancel function that must be called when the subscriber is done.
func (b *Bus) Subscribe(localID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{localID: localID, ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e. ID and At are filled in when empty.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]func(Event){}, b.handlers...)
	for _, sub := range b.subs {
		if sub.localID != "" && sub.localID != e.LocalID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn().
				Str("local_id", e.LocalID).
				Str("event_type", string(e.Kind)).
				Msg("bus.subscriber_full")
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
	return e
}

// Subscribers returns the number of channel subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
