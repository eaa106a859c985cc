// Package interceptor turns signals from the embedded browser showing the
// gateway's hosted page into reconciliation attempts.
//
// Two signal kinds are handled: navigation to a known success or failure URL,
// and messages posted by the page script when the user presses the pay button
// or submits the form. Either one triggers an immediate attempt alongside the
// poller's own schedule. A failure redirect also raises a user-visible failure
// notice at once, ahead of remote confirmation.
package interceptor

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/resolver"
	"github.com/rs/zerolog"
)

// NavigationKind classifies an embedded browser navigation.
type NavigationKind string

const (
	NavigationSuccess NavigationKind = "success"
	NavigationFailure NavigationKind = "failure"
	NavigationOther   NavigationKind = "other"
)

// Engine submits reconciliation requests.
type Engine interface {
	Submit(ctx context.Context, req reconcile.Request) (reconcile.Outcome, error)
}

// Result reports what a signal did.
type Result struct {
	Signal    string             `json:"signal"`
	Triggered bool               `json:"triggered"`
	Notified  bool               `json:"failureNotified,omitempty"`
	Outcome   *reconcile.Outcome `json:"outcome,omitempty"`
}

// Interceptor classifies hosted page signals and forwards them to the engine.
type Interceptor struct {
	engine       Engine
	bus          *reconcile.Bus
	success      []string
	failure      []string
	messageTypes map[string]bool
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu       sync.Mutex
	notified map[string]bool
}

// New creates an interceptor. Failure notices are published on bus.
func New(engine Engine, bus *reconcile.Bus, cfg config.InterceptorConfig, m *metrics.Metrics, logger zerolog.Logger) *Interceptor {
	i := &Interceptor{
		engine:       engine,
		bus:          bus,
		success:      lowerAll(cfg.SuccessURLPatterns),
		failure:      lowerAll(cfg.FailureURLPatterns),
		messageTypes: make(map[string]bool, len(cfg.MessageTypes)),
		metrics:      m,
		logger:       logger,
		notified:     make(map[string]bool),
	}
	for _, t := range cfg.MessageTypes {
		i.messageTypes[normalizeType(t)] = true
	}
	// A session leaves the interceptor's view once its poller ends.
	bus.Handle(func(e reconcile.Event) {
		switch e.Kind {
		case reconcile.EventTerminal, reconcile.EventAborted, reconcile.EventExhausted, reconcile.EventFailed:
			i.mu.Lock()
			delete(i.notified, e.LocalID)
			i.mu.Unlock()
		}
	})
	return i
}

// Classify matches rawURL against the configured patterns. Failure patterns
// are checked first.
func (i *Interceptor) Classify(rawURL string) NavigationKind {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return NavigationOther
	}
	haystack := strings.ToLower(u.Path + "?" + u.RawQuery + "#" + u.Fragment)
	if containsAny(haystack, i.failure) {
		return NavigationFailure
	}
	if containsAny(haystack, i.success) {
		return NavigationSuccess
	}
	return NavigationOther
}

// HandleNavigation processes a navigation of the embedded browser for localID.
func (i *Interceptor) HandleNavigation(ctx context.Context, localID, rawURL string) (Result, error) {
	kind := i.Classify(rawURL)
	i.metrics.ObserveNavigation(string(kind))
	res := Result{Signal: "navigation_" + string(kind)}

	log := i.logger.With().
		Str("local_id", localID).
		Str("url", logger.RedactURL(rawURL)).
		Str("kind", string(kind)).
		Logger()

	if kind == NavigationOther {
		log.Debug().Msg("interceptor.navigation_ignored")
		return res, nil
	}

	if kind == NavigationFailure {
		res.Notified = i.notifyFailure(localID)
	}

	log.Info().Msg("interceptor.navigation")
	out, err := i.engine.Submit(ctx, reconcile.Request{
		LocalID: localID,
		Source:  reconcile.SourceNavigation,
		Signals: resolver.Signals{URLs: []string{rawURL}},
	})
	if err != nil {
		return res, err
	}
	res.Triggered = true
	res.Outcome = &out
	return res, nil
}

// HandleMessage processes a message posted by the hosted page for localID.
// Unknown shapes and unrecognized message types are ignored.
func (i *Interceptor) HandleMessage(ctx context.Context, localID string, raw []byte) (Result, error) {
	msg, ok := ParseMessage(raw)
	if !ok || !i.messageTypes[msg.Type] {
		i.metrics.ObserveMessage("ignored")
		i.logger.Debug().
			Str("local_id", localID).
			Str("type", msg.Type).
			Msg("interceptor.message_ignored")
		return Result{Signal: "message_ignored"}, nil
	}

	i.metrics.ObserveMessage("triggered")
	i.logger.Info().
		Str("local_id", localID).
		Str("type", msg.Type).
		Msg("interceptor.message")

	out, err := i.engine.Submit(ctx, reconcile.Request{
		LocalID: localID,
		Source:  reconcile.SourceMessage,
		Signals: msg.Signals,
	})
	if err != nil {
		return Result{Signal: "message_" + msg.Type}, err
	}
	return Result{Signal: "message_" + msg.Type, Triggered: true, Outcome: &out}, nil
}

// notifyFailure publishes the failure notice once per session.
func (i *Interceptor) notifyFailure(localID string) bool {
	i.mu.Lock()
	if i.notified[localID] {
		i.mu.Unlock()
		return false
	}
	i.notified[localID] = true
	i.mu.Unlock()

	i.bus.Publish(reconcile.Event{
		Kind:    reconcile.EventFailureNotice,
		LocalID: localID,
		Source:  reconcile.SourceNavigation,
		Message: "The payment was not completed.",
	})
	return true
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
