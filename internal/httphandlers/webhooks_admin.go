// Package httphandlers holds operator endpoints mounted beside the relay API.
package httphandlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dentiq/payrecon/internal/callbacks"
	"github.com/dentiq/payrecon/internal/errors"
	"github.com/dentiq/payrecon/internal/logger"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WebhooksAdminHandler manages status webhooks that exhausted their retries.
type WebhooksAdminHandler struct {
	dlq     callbacks.DLQStore
	timeout time.Duration
}

// NewWebhooksAdminHandler creates a handler over dlq. timeout bounds each
// redelivery attempt.
func NewWebhooksAdminHandler(dlq callbacks.DLQStore, timeout time.Duration) *WebhooksAdminHandler {
	return &WebhooksAdminHandler{dlq: dlq, timeout: timeout}
}

// Routes mounts the handler under the current router.
func (h *WebhooksAdminHandler) Routes(r chi.Router) {
	r.Get("/", h.ListWebhooks)
	r.Get("/{id}", h.GetWebhook)
	r.Post("/{id}/redeliver", h.RedeliverWebhook)
	r.Delete("/{id}", h.DeleteWebhook)
}

// ListWebhooks returns dead-lettered webhooks, oldest first.
// GET /v1/admin/webhooks?limit=100
func (h *WebhooksAdminHandler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			errors.WriteErrorWithDetail(w, errors.ErrCodeInvalidField, "Invalid limit parameter. Must be between 1 and 1000", "field", "limit")
			return
		}
		limit = parsed
	}

	webhooks, err := h.dlq.ListFailedWebhooks(r.Context(), limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("admin.webhooks.list_failed")
		errors.WriteSimpleError(w, errors.ErrCodeDatabaseError, "Failed to list webhooks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"webhooks": webhooks,
		"count":    len(webhooks),
	})
}

// GetWebhook returns a single dead-lettered webhook.
// GET /v1/admin/webhooks/{id}
func (h *WebhooksAdminHandler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.find(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, webhook)
}

// RedeliverWebhook posts the stored payload once more and removes the entry
// when the receiver accepts it.
// POST /v1/admin/webhooks/{id}/redeliver
func (h *WebhooksAdminHandler) RedeliverWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.find(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if err := callbacks.Redeliver(ctx, webhook, h.timeout); err != nil {
		log.Warn().Err(err).Str("webhook_id", webhook.ID).Str("local_id", webhook.LocalID).Msg("admin.webhooks.redeliver_failed")
		errors.WriteErrorWithDetail(w, errors.ErrCodeNetworkError, "Redelivery failed", "error", err.Error())
		return
	}
	if err := h.dlq.DeleteFailedWebhook(ctx, webhook.ID); err != nil {
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("admin.webhooks.delete_after_redeliver_failed")
	}

	log.Info().
		Str("webhook_id", webhook.ID).
		Str("event_id", webhook.EventID).
		Str("local_id", webhook.LocalID).
		Msg("admin.webhooks.redelivered")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Webhook redelivered",
		"webhookId": webhook.ID,
		"eventId":   webhook.EventID,
	})
}

// DeleteWebhook drops a dead-lettered webhook.
// DELETE /v1/admin/webhooks/{id}
func (h *WebhooksAdminHandler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.find(w, r)
	if !ok {
		return
	}
	if err := h.dlq.DeleteFailedWebhook(r.Context(), webhook.ID); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("admin.webhooks.delete_failed")
		errors.WriteSimpleError(w, errors.ErrCodeDatabaseError, "Failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhooksAdminHandler) find(w http.ResponseWriter, r *http.Request) (callbacks.FailedWebhook, bool) {
	id := chi.URLParam(r, "id")
	webhook, found, err := callbacks.FindFailedWebhook(r.Context(), h.dlq, id)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("webhook_id", id).Msg("admin.webhooks.lookup_failed")
		errors.WriteSimpleError(w, errors.ErrCodeDatabaseError, "Failed to get webhook")
		return callbacks.FailedWebhook{}, false
	}
	if !found {
		errors.WriteErrorWithDetail(w, errors.ErrCodeWebhookNotFound, "Webhook not found", "webhookId", id)
		return callbacks.FailedWebhook{}, false
	}
	return webhook, true
}
