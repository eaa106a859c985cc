package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/dentiq/payrecon/internal/errors"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/poller"
	"github.com/dentiq/payrecon/internal/reconcile"
)

// respondJSON writes an application/json response with status code and payload.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// writeDomainError maps err onto the API error envelope.
func writeDomainError(w http.ResponseWriter, err error, localID string) {
	var details map[string]interface{}
	if localID != "" {
		details = map[string]interface{}{"localId": localID}
	}
	apierrors.WriteError(w, apierrors.CodeFor(err), userText(err), details)
}

// outcomeError describes why an attempt did not move the session.
type outcomeError struct {
	Code    apierrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// paymentView is the session snapshot returned by the payment endpoints.
type paymentView struct {
	payment.Session
	Poller      poller.State  `json:"poller,omitempty"`
	PollerError *outcomeError `json:"pollerError,omitempty"`
	TimedOut    bool          `json:"timedOut,omitempty"`
}

func (h *handlers) view(s payment.Session) paymentView {
	v := paymentView{Session: s}
	if state, ok := h.Pollers.State(s.LocalID); ok {
		v.Poller = state
		if err := h.Pollers.Err(s.LocalID); err != nil {
			v.PollerError = &outcomeError{Code: apierrors.CodeFor(err), Message: userText(err)}
		}
	}
	return v
}

// outcomeView reports a single attempt triggered by the client.
type outcomeView struct {
	Outcome reconcile.OutcomeKind `json:"outcome"`
	Source  reconcile.Source      `json:"source"`
	Payment paymentView           `json:"payment"`
	Error   *outcomeError         `json:"error,omitempty"`
}

func (h *handlers) outcome(out reconcile.Outcome) outcomeView {
	v := outcomeView{
		Outcome: out.Kind,
		Source:  out.Source,
		Payment: h.view(out.Session),
	}
	if out.Err != nil {
		v.Error = &outcomeError{Code: apierrors.CodeFor(out.Err), Message: userText(out.Err)}
	}
	return v
}

func userText(err error) string {
	var permanent *payment.PermanentError
	if errors.As(err, &permanent) && permanent.Message != "" {
		return permanent.Message
	}
	return err.Error()
}

// logRequestError logs a failed request with the request-scoped logger.
func logRequestError(r *http.Request, err error, event string) {
	log := logger.FromContext(r.Context())
	log.Warn().Err(err).Msg(event)
}
