// Package resolver extracts the gateway's external reference for a payment
// session from whatever signals are available at call time.
//
// Strategies run in a fixed order and the first success wins:
//
//  1. the reference already bound to the session (or cached for it)
//  2. a gateway order identifier shaped like order_<digits>_*
//  3. known query parameters on return URLs and deep links, in priority order
//  4. the last-known identifier hinted for this session (degraded, optional)
//
// The result depends only on the set of signals, never on the order in which
// they arrived.
package resolver

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/rs/zerolog"
)

// Strategy names the step that produced a reference.
type Strategy string

const (
	StrategyNone       Strategy = ""
	StrategyCached     Strategy = "cached"
	StrategyOrderID    Strategy = "order_id"
	StrategyQueryParam Strategy = "query_param"
	StrategyDegraded   Strategy = "degraded"
)

var orderIDPattern = regexp.MustCompile(`^order_(\d+)_`)

// Signals is the set of identifier sources available for one attempt.
type Signals struct {
	OrderIDs []string `json:"orderIds,omitempty"`
	URLs     []string `json:"urls,omitempty"`  // return URLs and deep links
	Hints    []string `json:"hints,omitempty"` // unverified identifiers, e.g. from posted messages
}

// IsEmpty reports whether no signal is present.
func (s Signals) IsEmpty() bool {
	return len(s.OrderIDs) == 0 && len(s.URLs) == 0 && len(s.Hints) == 0
}

// Merge returns the union of s and o, sorted and without duplicates.
func (s Signals) Merge(o Signals) Signals {
	return Signals{
		OrderIDs: union(s.OrderIDs, o.OrderIDs),
		URLs:     union(s.URLs, o.URLs),
		Hints:    union(s.Hints, o.Hints),
	}
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if _, dup := seen[v]; dup || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Result is the outcome of Resolve. An empty Ref means unresolved.
type Result struct {
	Ref      string
	Strategy Strategy
}

// Resolved reports whether a reference was found.
func (r Result) Resolved() bool {
	return r.Ref != ""
}

// Resolver runs the ordered strategies.
type Resolver struct {
	paramNames []string
	degraded   bool
	cache      *Cache
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithParamNames sets the query parameter priority list.
func WithParamNames(names []string) Option {
	return func(r *Resolver) {
		if len(names) > 0 {
			r.paramNames = append([]string(nil), names...)
		}
	}
}

// WithDegradedFallback enables strategy 4.
func WithDegradedFallback(enabled bool) Option {
	return func(r *Resolver) {
		r.degraded = enabled
	}
}

// WithCache injects the per-session cache.
func WithCache(c *Cache) Option {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithMetrics records which strategy won.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a Resolver with the default parameter priority list.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		paramNames: append([]string(nil), config.DefaultParamNames...),
		cache:      NewCache(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFromConfig builds a Resolver from the resolver config section.
func NewFromConfig(cfg config.ResolverConfig, opts ...Option) *Resolver {
	base := []Option{
		WithParamNames(cfg.ParamNames),
		WithDegradedFallback(cfg.DegradedFallback),
	}
	return New(append(base, opts...)...)
}

// Cache exposes the per-session cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Forget clears cached state for a session that left active tracking.
func (r *Resolver) Forget(localID string) {
	r.cache.Forget(localID)
}

// Resolve returns the external reference for session given sig.
//
// An unresolved result is not an error. The only error is
// payment.ErrReferenceMismatch, returned when a strong candidate contradicts
// the reference already bound to the session.
func (r *Resolver) Resolve(session payment.Session, sig Signals) (Result, error) {
	localID := session.LocalID
	r.cache.AddHints(localID, normalize(sig.Hints)...)

	candidate, strategy := r.strongCandidate(sig)

	bound := session.ExternalRef
	if bound == "" {
		bound, _ = r.cache.Get(localID)
	} else {
		r.cache.Put(localID, bound)
	}

	if bound != "" {
		if candidate != "" && candidate != bound {
			r.logger.Warn().
				Str("local_id", localID).
				Str("bound_ref", logger.TruncateRef(bound)).
				Str("candidate_ref", logger.TruncateRef(candidate)).
				Str("strategy", string(strategy)).
				Msg("resolver.reference_mismatch")
			return Result{Ref: bound, Strategy: StrategyCached}, payment.ReferenceMismatchError(localID, bound, candidate)
		}
		r.metrics.ObserveResolution(string(StrategyCached))
		return Result{Ref: bound, Strategy: StrategyCached}, nil
	}

	if candidate != "" {
		r.cache.Put(localID, candidate)
		r.metrics.ObserveResolution(string(strategy))
		r.logger.Debug().
			Str("local_id", localID).
			Str("external_ref", logger.TruncateRef(candidate)).
			Str("strategy", string(strategy)).
			Msg("resolver.resolved")
		return Result{Ref: candidate, Strategy: strategy}, nil
	}

	if r.degraded {
		if hint, ok := r.cache.Hint(localID); ok {
			r.metrics.ObserveResolution(string(StrategyDegraded))
			r.logger.Warn().
				Str("local_id", localID).
				Str("external_ref", logger.TruncateRef(hint)).
				Msg("resolver.degraded_fallback")
			return Result{Ref: hint, Strategy: StrategyDegraded}, nil
		}
	}

	return Result{}, nil
}

// Candidate returns the reference sig points at without consulting or
// updating any session state. Used to look sessions up by an incoming link.
func (r *Resolver) Candidate(sig Signals) (string, Strategy) {
	return r.strongCandidate(sig)
}

// strongCandidate runs strategies 2 and 3.
func (r *Resolver) strongCandidate(sig Signals) (string, Strategy) {
	urls := parseURLs(sig.URLs)

	if ref := r.fromOrderIDs(sig.OrderIDs, urls); ref != "" {
		return ref, StrategyOrderID
	}
	if ref := r.fromQueryParams(urls); ref != "" {
		return ref, StrategyQueryParam
	}
	return "", StrategyNone
}

// fromOrderIDs returns the numerically smallest matching order number so the
// pick is independent of arrival order.
func (r *Resolver) fromOrderIDs(orderIDs []string, urls []url.Values) string {
	var matches []string
	for _, id := range orderIDs {
		if digits := ExtractOrderDigits(id); digits != "" {
			matches = append(matches, digits)
		}
	}
	for _, q := range urls {
		for _, name := range r.paramNames {
			for _, v := range q[name] {
				if digits := ExtractOrderDigits(v); digits != "" {
					matches = append(matches, digits)
				}
			}
		}
	}
	if len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool { return numericLess(matches[i], matches[j]) })
	return matches[0]
}

// numericLess orders digit strings by value. Equal values with different
// zero padding fall back to string order.
func numericLess(a, b string) bool {
	ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if len(ta) != len(tb) {
		return len(ta) < len(tb)
	}
	if ta != tb {
		return ta < tb
	}
	return a < b
}

// fromQueryParams walks the priority list; within one parameter name, URLs
// are visited in sorted order.
func (r *Resolver) fromQueryParams(urls []url.Values) string {
	for _, name := range r.paramNames {
		for _, q := range urls {
			for _, v := range q[name] {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// ExtractOrderDigits returns <digits> from an order_<digits>_* identifier.
func ExtractOrderDigits(s string) string {
	m := orderIDPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ""
	}
	return m[1]
}

// parseURLs returns the query (and fragment query) values of each parseable
// URL, ordered by the raw URL string.
func parseURLs(raw []string) []url.Values {
	sorted := normalize(raw)
	sort.Strings(sorted)

	out := make([]url.Values, 0, len(sorted))
	for _, s := range sorted {
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		q := u.Query()
		if u.Fragment != "" {
			if frag, err := url.ParseQuery(u.Fragment); err == nil {
				for k, vs := range frag {
					if _, ok := q[k]; !ok {
						q[k] = vs
					}
				}
			}
		}
		out = append(out, q)
	}
	return out
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
