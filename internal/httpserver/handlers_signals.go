package httpserver

import (
	"net/http"
	"strings"

	apierrors "github.com/dentiq/payrecon/internal/errors"
	"github.com/dentiq/payrecon/internal/interceptor"
	"github.com/dentiq/payrecon/internal/logger"
)

// urlRequest carries a URL observed by the client app.
type urlRequest struct {
	URL string `json:"url"`
}

// signalView reports what an embedded browser signal did.
type signalView struct {
	Signal          string       `json:"signal"`
	Triggered       bool         `json:"triggered"`
	FailureNotified bool         `json:"failureNotified,omitempty"`
	Outcome         *outcomeView `json:"outcome,omitempty"`
}

func (h *handlers) signal(res interceptor.Result) signalView {
	v := signalView{Signal: res.Signal, Triggered: res.Triggered, FailureNotified: res.Notified}
	if res.Outcome != nil {
		out := *res.Outcome
		ov := h.outcome(out)
		v.Outcome = &ov
	}
	return v
}

// navigation receives a navigation of the embedded browser.
func (h *handlers) navigation(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidBody, err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeMissingField, "url is required", "field", "url")
		return
	}
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	res, err := h.Interceptor.HandleNavigation(r.Context(), s.LocalID, req.URL)
	if err != nil {
		logRequestError(r, err, "navigation.failed")
		writeDomainError(w, err, s.LocalID)
		return
	}
	respondJSON(w, http.StatusOK, h.signal(res))
}

// message receives a message posted by the hosted page. The body is passed
// through untouched; the interceptor accepts several shapes.
func (h *handlers) message(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r.Body)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidBody, err.Error())
		return
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidBody, "message body is empty")
		return
	}
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	res, err := h.Interceptor.HandleMessage(r.Context(), s.LocalID, raw)
	if err != nil {
		logRequestError(r, err, "message.failed")
		writeDomainError(w, err, s.LocalID)
		return
	}
	respondJSON(w, http.StatusOK, h.signal(res))
}

// deepLink receives an OS deep link. It always answers 202: links the router
// cannot use are dropped without a user-visible error.
func (h *handlers) deepLink(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log := logger.FromContext(r.Context())
		log.Debug().Err(err).Msg("deeplink.invalid_body")
	}
	res := h.DeepLinks.Route(r.Context(), strings.TrimSpace(req.URL))
	respondJSON(w, http.StatusAccepted, res)
}

// appStateResponse acknowledges an app lifecycle change.
type appStateResponse struct {
	State   string   `json:"state"`
	Tracked []string `json:"tracked"`
}

func (h *handlers) appBackground(w http.ResponseWriter, r *http.Request) {
	h.Pollers.Background()
	log := logger.FromContext(r.Context())
	log.Info().Msg("app.background")
	respondJSON(w, http.StatusAccepted, appStateResponse{State: "background", Tracked: h.tracked()})
}

func (h *handlers) appForeground(w http.ResponseWriter, r *http.Request) {
	h.Pollers.Foreground()
	log := logger.FromContext(r.Context())
	log.Info().Msg("app.foreground")
	respondJSON(w, http.StatusAccepted, appStateResponse{State: "foreground", Tracked: h.tracked()})
}

func (h *handlers) tracked() []string {
	ids := h.Pollers.Active()
	if ids == nil {
		ids = []string{}
	}
	return ids
}
