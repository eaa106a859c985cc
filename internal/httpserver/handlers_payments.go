package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apierrors "github.com/dentiq/payrecon/internal/errors"
	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/poller"
	"github.com/dentiq/payrecon/internal/ratelimit"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/storage"
)

// createPaymentRequest starts a payment at the gateway.
type createPaymentRequest struct {
	LocalID     string            `json:"localId,omitempty"` // generated when empty
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	ReturnURL   string            `json:"returnUrl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// createPaymentResponse mirrors the gateway's session creation result.
// ExternalRef is null when the gateway assigns it later.
type createPaymentResponse struct {
	LocalID     string         `json:"localId"`
	ExternalRef *string        `json:"externalRef"`
	RedirectURL string         `json:"redirectUrl"`
	Status      payment.Status `json:"status"`
	Poller      poller.State   `json:"poller"`
}

func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req createPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().Err(err).Msg("payment.create.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidBody, err.Error())
		return
	}
	req.Currency = strings.TrimSpace(req.Currency)
	if req.Currency == "" {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeMissingField, "currency is required", "field", "currency")
		return
	}
	if !req.Amount.IsPositive() {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidAmount, "amount must be positive", "amount", req.Amount.String())
		return
	}

	localID := strings.TrimSpace(req.LocalID)
	if localID == "" {
		localID = uuid.NewString()
	}
	if _, err := h.Store.GetSession(ctx, localID); err == nil {
		writeDomainError(w, storage.ErrAlreadyExists, localID)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("local_id", localID).Msg("payment.create.lookup_failed")
		writeDomainError(w, err, localID)
		return
	}

	created, err := h.Gateway.CreateSession(ctx, gateway.CreateSessionRequest{
		LocalID:     localID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		log.Warn().Err(err).Str("local_id", localID).Str("gateway", h.Gateway.Name()).Msg("payment.create.gateway_failed")
		writeDomainError(w, err, localID)
		return
	}

	session := payment.NewSession(localID, req.Amount, req.Currency, h.cfg.Reconcile.MaxAttempts, time.Now())
	session.ExternalRef = created.ExternalRef
	session.RedirectURL = created.RedirectURL
	if err := h.Store.CreateSession(ctx, session); err != nil {
		log.Error().Err(err).Str("local_id", localID).Msg("payment.create.store_failed")
		writeDomainError(w, err, localID)
		return
	}

	state, err := h.Pollers.Start(localID)
	if err != nil {
		// The session is stored; a restart recovers its poller.
		log.Error().Err(err).Str("local_id", localID).Msg("payment.create.poller_failed")
	}

	log.Info().
		Str("local_id", localID).
		Str("external_ref", logger.TruncateRef(created.ExternalRef)).
		Str("amount", req.Amount.String()).
		Str("currency", session.Currency).
		Msg("payment.created")

	resp := createPaymentResponse{
		LocalID:     localID,
		RedirectURL: created.RedirectURL,
		Status:      session.Status,
		Poller:      state,
	}
	if created.ExternalRef != "" {
		ref := created.ExternalRef
		resp.ExternalRef = &ref
	}
	w.Header().Set("Location", h.cfg.Server.RoutePrefix+"/v1/payments/"+localID)
	respondJSON(w, http.StatusCreated, resp)
}

// loadSession fetches the session named in the URL and writes the error
// response when it cannot.
func (h *handlers) loadSession(w http.ResponseWriter, r *http.Request) (payment.Session, bool) {
	localID := chi.URLParam(r, ratelimit.SessionParam)
	s, err := h.Store.GetSession(r.Context(), localID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logRequestError(r, err, "payment.lookup_failed")
		}
		writeDomainError(w, err, localID)
		return payment.Session{}, false
	}
	return s, true
}

func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.view(s))
}

// waitPayment blocks until the session is terminal, its poller ends, or the
// wait times out. A ?timeout= shorter than the configured bound is honored.
func (h *handlers) waitPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	localID := chi.URLParam(r, ratelimit.SessionParam)

	// Subscribe before reading so nothing published in between is missed.
	events, cancel := h.Bus.Subscribe(localID, 8)
	defer cancel()

	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if h.settled(s) {
		respondJSON(w, http.StatusOK, h.view(s))
		return
	}

	timer := time.NewTimer(h.waitTimeout(r))
	defer timer.Stop()

	for {
		select {
		case e := <-events:
			if e.Kind == reconcile.EventFailureNotice {
				continue
			}
			h.respondCurrent(w, r, false)
			return
		case <-timer.C:
			h.respondCurrent(w, r, true)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *handlers) respondCurrent(w http.ResponseWriter, r *http.Request, timedOut bool) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	v := h.view(s)
	v.TimedOut = timedOut && !h.settled(s)
	respondJSON(w, http.StatusOK, v)
}

// settled reports whether nothing further will happen without user action.
func (h *handlers) settled(s payment.Session) bool {
	if s.IsTerminal() {
		return true
	}
	state, ok := h.Pollers.State(s.LocalID)
	return ok && state.Ended()
}

func (h *handlers) waitTimeout(r *http.Request) time.Duration {
	limit := h.cfg.Server.WaitTimeout.Duration
	if limit <= 0 {
		limit = 30 * time.Second
	}
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return limit
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return limit
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// abortPayment stops polling when the user leaves the payment screen. The
// session keeps its status; a late deep link can still confirm it.
func (h *handlers) abortPayment(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	state, _ := h.Pollers.Abort(s.LocalID)
	h.Engine.Forget(s.LocalID)
	log := logger.FromContext(r.Context())
	log.Info().
		Str("local_id", s.LocalID).
		Str("poller", string(state)).
		Msg("payment.aborted")
	respondJSON(w, http.StatusOK, h.view(s))
}

// retryPayment runs one immediate attempt on user request and resumes
// polling while budget remains.
func (h *handlers) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if s.IsTerminal() {
		apierrors.WriteError(w, apierrors.ErrCodeSessionFinalized, "payment already has a final status", map[string]interface{}{
			"localId": s.LocalID,
			"status":  s.Status,
		})
		return
	}

	out, err := h.Engine.Submit(ctx, reconcile.Request{
		LocalID:      s.LocalID,
		Source:       reconcile.SourceManual,
		IgnoreBudget: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("local_id", s.LocalID).Msg("payment.retry_failed")
		writeDomainError(w, err, s.LocalID)
		return
	}
	out.Session = h.latest(ctx, out.Session, s)

	if out.Kind != reconcile.OutcomePermanent && !out.Session.IsTerminal() && !out.Session.BudgetExhausted() {
		if _, err := h.Pollers.Start(s.LocalID); err != nil {
			log.Warn().Err(err).Str("local_id", s.LocalID).Msg("payment.retry_poller_failed")
		}
	}

	log.Info().
		Str("local_id", s.LocalID).
		Str("outcome", string(out.Kind)).
		Msg("payment.retried")
	respondJSON(w, http.StatusOK, h.outcome(out))
}

// latest prefers the session carried by an outcome, then storage, then fallback.
func (h *handlers) latest(ctx context.Context, s, fallback payment.Session) payment.Session {
	if s.LocalID != "" {
		return s
	}
	if fresh, err := h.Store.GetSession(ctx, fallback.LocalID); err == nil {
		return fresh
	}
	return fallback
}
