package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/dentiq/payrecon/internal/circuitbreaker"
)

type healthResponse struct {
	Status          string        `json:"status"`
	Uptime          string        `json:"uptime"`
	Timestamp       time.Time     `json:"timestamp"`
	Gateway         gatewayHealth `json:"gateway"`
	Webhook         string        `json:"webhookBreaker"`
	Storage         string        `json:"storage,omitempty"`
	ActivePollers   int           `json:"activePollers"`
	TrackedSessions int           `json:"trackedSessions"`
}

type gatewayHealth struct {
	Provider string `json:"provider"`
	Breaker  string `json:"breaker"`
}

// health reports liveness. An open gateway breaker marks the service
// degraded: automatic checks fail fast until it closes.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := healthResponse{
		Status:    "ok",
		Uptime:    now.Sub(serverStartTime).Round(time.Second).String(),
		Timestamp: now.UTC(),
		Gateway: gatewayHealth{
			Provider: h.Gateway.Name(),
			Breaker:  h.Breakers.State(circuitbreaker.ServiceGateway),
		},
		Webhook:         h.Breakers.State(circuitbreaker.ServiceWebhook),
		ActivePollers:   len(h.Pollers.Active()),
		TrackedSessions: h.Pollers.Len(),
	}

	status := http.StatusOK
	if h.StoragePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.StoragePing(ctx)
		cancel()
		resp.Storage = "ok"
		if err != nil {
			resp.Storage = "unreachable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if resp.Gateway.Breaker == "open" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
