package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/payment"
	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// StripeGateway uses Stripe Checkout Sessions as the gateway. The checkout
// session id is the external reference.
type StripeGateway struct {
	api  *client.API
	cfg  config.StripeConfig
	opts options
}

// StripeOption configures the Stripe backend.
type StripeOption func(*stripeapi.BackendConfig)

// WithStripeURL points the API backend at url (used by tests and proxies).
func WithStripeURL(url string) StripeOption {
	return func(bc *stripeapi.BackendConfig) {
		bc.URL = stripeapi.String(url)
	}
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(cfg config.StripeConfig, opts ...Option) (*StripeGateway, error) {
	return NewStripeGatewayWithBackend(cfg, opts)
}

// NewStripeGatewayWithBackend allows overriding the Stripe backend config.
func NewStripeGatewayWithBackend(cfg config.StripeConfig, opts []Option, backendOpts ...StripeOption) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("gateway: stripe secret_key is required")
	}

	bc := &stripeapi.BackendConfig{
		// Retries belong to the poller.
		MaxNetworkRetries: stripeapi.Int64(0),
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelError},
	}
	for _, opt := range backendOpts {
		opt(bc)
	}

	backends := &stripeapi.Backends{
		API:     stripeapi.GetBackendWithConfig(stripeapi.APIBackend, bc),
		Connect: stripeapi.GetBackendWithConfig(stripeapi.ConnectBackend, bc),
		Uploads: stripeapi.GetBackendWithConfig(stripeapi.UploadsBackend, bc),
	}

	return &StripeGateway{
		api:  client.New(cfg.SecretKey, backends),
		cfg:  cfg,
		opts: buildOptions(opts),
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string {
	return "stripe"
}

// Query implements Gateway.
func (g *StripeGateway) Query(ctx context.Context, externalRef string) (payment.RawStatus, error) {
	start := time.Now()
	raw, err := guarded(g.opts, opQuery, func() (payment.RawStatus, error) {
		params := &stripeapi.CheckoutSessionParams{}
		params.Context = ctx
		s, err := g.api.CheckoutSessions.Get(externalRef, params)
		if err != nil {
			return payment.RawStatus{}, classifyStripeError(opQuery, err)
		}
		return checkoutRawStatus(s), nil
	})
	g.opts.metrics.ObserveGatewayCall(g.Name(), opQuery, callResult(err), time.Since(start))
	return raw, err
}

// CreateSession implements Gateway.
func (g *StripeGateway) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error) {
	start := time.Now()
	res, err := guarded(g.opts, opCreate, func() (CreateSessionResult, error) {
		return g.createSession(ctx, req)
	})
	g.opts.metrics.ObserveGatewayCall(g.Name(), opCreate, callResult(err), time.Since(start))
	return res, err
}

func (g *StripeGateway) createSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error) {
	cents := req.Amount.Shift(2).Round(0).IntPart()
	if cents <= 0 {
		return CreateSessionResult{}, &payment.PermanentError{StatusCode: http.StatusBadRequest, Code: "invalid_amount", Message: "amount must be positive"}
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(withLocalID(firstNonEmpty(req.ReturnURL, g.cfg.SuccessURL), req.LocalID)),
		CancelURL:          stripeapi.String(withLocalID(g.cfg.CancelURL, req.LocalID)),
		ClientReferenceID:  stripeapi.String(req.LocalID),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String(strings.ToLower(req.Currency)),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(firstNonEmpty(req.Description, "Clinic payment")),
					},
					UnitAmount: stripeapi.Int64(cents),
				},
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("local_id", req.LocalID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return CreateSessionResult{}, classifyStripeError(opCreate, err)
	}
	return CreateSessionResult{
		ExternalRef: s.ID,
		RedirectURL: s.URL,
		LocalID:     req.LocalID,
	}, nil
}

// checkoutRawStatus folds the checkout session and payment state into one raw code.
func checkoutRawStatus(s *stripeapi.CheckoutSession) payment.RawStatus {
	state := checkoutState(s)
	paid := string(s.PaymentStatus)

	switch {
	case paid == "paid" || paid == "no_payment_required":
		return payment.RawStatus{Code: "PAID", Detail: state}
	case state == "expired":
		return payment.RawStatus{Code: "EXPIRED", Detail: paid}
	case state == "complete":
		// Completed but funds not captured yet (async payment methods).
		return payment.RawStatus{Code: "PROCESSING", Detail: paid}
	default:
		return payment.RawStatus{Code: "OPEN", Detail: paid}
	}
}

// checkoutState reads the session's top-level "status" from the raw response.
func checkoutState(s *stripeapi.CheckoutSession) string {
	if s.LastResponse == nil || len(s.LastResponse.RawJSON) == 0 {
		return ""
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(s.LastResponse.RawJSON, &body); err != nil {
		return ""
	}
	return body.Status
}

func classifyStripeError(op string, err error) error {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return payment.NewTransientError(op, err)
	}
	status := se.HTTPStatusCode
	if status >= 500 || status == http.StatusTooManyRequests || status == 0 {
		return payment.NewTransientError(op, err)
	}
	return &payment.PermanentError{StatusCode: status, Code: string(se.Code), Message: se.Msg}
}

// withLocalID appends localId to a return URL so deep links can be matched
// back to the session.
func withLocalID(rawURL, localID string) string {
	if rawURL == "" || localID == "" || strings.Contains(rawURL, "localId=") {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "localId=" + localID
}
