// Package deeplink routes app-scheme return URLs delivered by the OS to the
// reconciliation engine.
//
// A deep link is never authoritative on its own: it only triggers an attempt
// for a session the app is already tracking. Links that are malformed or not
// payment returns are logged and dropped without any user-visible error.
package deeplink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/resolver"
	"github.com/dentiq/payrecon/internal/storage"
	"github.com/rs/zerolog"
)

// Kind is the return type a link signals.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Link is a parsed payment deep link.
type Link struct {
	Raw     string
	Kind    Kind
	LocalID string
	Query   url.Values
}

// Disposition values reported by Route.
const (
	Triggered = "triggered"
	Malformed = "malformed"
	Untracked = "untracked"
	Unmatched = "unmatched"
	Ambiguous = "ambiguous"
	Failed    = "failed"
)

// RouteResult describes what happened to a delivered link.
type RouteResult struct {
	Disposition string `json:"disposition"`
	LocalID     string `json:"localId,omitempty"`
	Kind        Kind   `json:"kind,omitempty"`
}

// Sessions looks sessions up by external reference.
type Sessions interface {
	FindByExternalRef(ctx context.Context, ref string) (payment.Session, error)
}

// Tracker reports which sessions the app is following.
type Tracker interface {
	Tracking(localID string) bool
	Active() []string
}

// Engine accepts fire-and-forget reconciliation requests.
type Engine interface {
	Trigger(ctx context.Context, req reconcile.Request) error
}

// Router parses and routes deep links.
type Router struct {
	scheme        string
	host          string
	success       map[string]bool
	failure       map[string]bool
	localIDParams []string

	resolver *resolver.Resolver
	sessions Sessions
	tracker  Tracker
	engine   Engine
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewRouter creates a router for the configured scheme.
func NewRouter(cfg config.DeepLinkConfig, res *resolver.Resolver, sessions Sessions, tracker Tracker, engine Engine, m *metrics.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		scheme:        strings.ToLower(cfg.Scheme),
		host:          strings.ToLower(cfg.Host),
		success:       pathSet(cfg.SuccessPaths),
		failure:       pathSet(cfg.FailurePaths),
		localIDParams: cfg.LocalIDParams,
		resolver:      res,
		sessions:      sessions,
		tracker:       tracker,
		engine:        engine,
		metrics:       m,
		logger:        logger,
	}
}

// Parse validates raw as a payment return link.
func (r *Router) Parse(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", payment.ErrMalformedDeepLink, err)
	}
	if !strings.EqualFold(u.Scheme, r.scheme) || !strings.EqualFold(u.Host, r.host) {
		return Link{}, fmt.Errorf("%w: unexpected target %s://%s", payment.ErrMalformedDeepLink, u.Scheme, u.Host)
	}

	path := normalizePath(u.Path)
	var kind Kind
	switch {
	case r.success[path]:
		kind = KindSuccess
	case r.failure[path]:
		kind = KindFailure
	default:
		return Link{}, fmt.Errorf("%w: unknown path %q", payment.ErrMalformedDeepLink, u.Path)
	}

	q := u.Query()
	link := Link{Raw: raw, Kind: kind, Query: q}
	for _, name := range r.localIDParams {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			link.LocalID = v
			break
		}
	}
	return link, nil
}

// Route parses raw and, when it belongs to a tracked session, triggers one
// immediate reconciliation attempt. It never returns an error: every outcome
// is reported through the result and the logs.
func (r *Router) Route(ctx context.Context, raw string) RouteResult {
	log := r.logger.With().Str("deeplink", logger.RedactURL(raw)).Logger()

	link, err := r.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Msg("deeplink.malformed")
		return r.done(RouteResult{Disposition: Malformed})
	}

	localID, disposition := r.match(ctx, link)
	res := RouteResult{LocalID: localID, Kind: link.Kind}
	if localID == "" {
		log.Info().Str("kind", string(link.Kind)).Str("reason", disposition).Msg("deeplink.unmatched")
		res.Disposition = disposition
		return r.done(res)
	}
	log = log.With().Str("local_id", localID).Logger()

	if !r.tracker.Tracking(localID) {
		log.Info().Msg("deeplink.untracked")
		res.Disposition = Untracked
		return r.done(res)
	}

	err = r.engine.Trigger(ctx, reconcile.Request{
		LocalID: localID,
		Source:  reconcile.SourceDeepLink,
		Signals: resolver.Signals{URLs: []string{link.Raw}},
	})
	if err != nil {
		log.Warn().Err(err).Msg("deeplink.trigger_failed")
		res.Disposition = Failed
		return r.done(res)
	}
	log.Info().Str("kind", string(link.Kind)).Msg("deeplink.triggered")
	res.Disposition = Triggered
	return r.done(res)
}

// match finds the session a link belongs to: an explicit local id first,
// then the session bound to the link's reference, then the only session
// being tracked.
func (r *Router) match(ctx context.Context, link Link) (string, string) {
	if link.LocalID != "" {
		return link.LocalID, ""
	}

	if ref, _ := r.resolver.Candidate(resolver.Signals{URLs: []string{link.Raw}}); ref != "" {
		s, err := r.sessions.FindByExternalRef(ctx, ref)
		switch {
		case err == nil:
			return s.LocalID, ""
		case !errors.Is(err, storage.ErrNotFound):
			r.logger.Warn().Err(err).Str("external_ref", logger.TruncateRef(ref)).Msg("deeplink.lookup_failed")
			return "", Failed
		}
	}

	active := r.tracker.Active()
	switch len(active) {
	case 0:
		return "", Unmatched
	case 1:
		return active[0], ""
	default:
		return "", Ambiguous
	}
}

func (r *Router) done(res RouteResult) RouteResult {
	r.metrics.ObserveDeepLink(res.Disposition)
	return res
}

func pathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[normalizePath(p)] = true
	}
	return set
}

func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimRight(strings.TrimSpace(p), "/"))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
