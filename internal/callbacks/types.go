package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/httputil"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/google/uuid"
)

// Notifier delivers payment status events to the clinic backend.
type Notifier interface {
	StatusChanged(ctx context.Context, event StatusEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) StatusChanged(context.Context, StatusEvent) {}

// StatusEvent is the webhook body for a payment outcome.
// EventID is the idempotency key: it is fixed before the first delivery
// attempt and reused on every retry.
type StatusEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	LocalID     string     `json:"localId"`
	ExternalRef string     `json:"externalRef,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Amount      string     `json:"amount,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Source      string     `json:"source,omitempty"`
	Message     string     `json:"message,omitempty"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

// ErrCallbackDisabled is returned when no status URL is configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// Delivered reports whether events of kind are sent to the webhook. Aborted
// polling is local bookkeeping and stays in-process.
func Delivered(kind reconcile.EventKind) bool {
	switch kind {
	case reconcile.EventTerminal, reconcile.EventExhausted, reconcile.EventFailed, reconcile.EventFailureNotice:
		return true
	}
	return false
}

// FromEvent converts a bus event into its webhook form.
func FromEvent(e reconcile.Event) StatusEvent {
	ev := StatusEvent{
		EventID:        e.ID,
		EventType:      string(e.Kind),
		EventTimestamp: e.At,
		LocalID:        e.LocalID,
		ExternalRef:    e.Session.ExternalRef,
		Status:         string(e.Session.Status),
		Attempts:       e.Session.Attempts,
		Currency:       strings.ToUpper(e.Session.Currency),
		Source:         string(e.Source),
		Message:        e.Message,
		FinalizedAt:    e.Session.FinalizedAt,
	}
	if e.Session.LocalID != "" {
		ev.Amount = e.Session.Amount.StringFixed(2)
	}
	return ev
}

// Subscribe forwards every deliverable bus event to n.
func Subscribe(bus *reconcile.Bus, n Notifier) {
	if n == nil {
		return
	}
	bus.Handle(func(e reconcile.Event) {
		if Delivered(e.Kind) {
			n.StatusChanged(context.Background(), FromEvent(e))
		}
	})
}

// PrepareStatusEvent fills in the idempotency fields. An existing EventID is
// preserved so retries and replays carry the same key.
func PrepareStatusEvent(event *StatusEvent) {
	if event.EventID == "" {
		event.EventID = "evt_" + uuid.NewString()
	}
	if event.EventType == "" {
		event.EventType = string(reconcile.EventTerminal)
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
}

// SendOnce posts event without retries (for CLI tools).
func SendOnce(ctx context.Context, cfg config.CallbacksConfig, event StatusEvent) error {
	if cfg.StatusURL == "" {
		return ErrCallbackDisabled
	}
	PrepareStatusEvent(&event)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return post(ctx, httputil.NewClient(timeout, userAgent), cfg, payload)
}

const userAgent = "payrecon-webhook/1.0"

func post(ctx context.Context, client *http.Client, cfg config.CallbacksConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.StatusURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := "application/json"
	for k, v := range cfg.Headers {
		if strings.EqualFold(k, "content-type") {
			contentType = v
		}
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range cfg.Headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, cfg.StatusURL)
	}
	return nil
}
