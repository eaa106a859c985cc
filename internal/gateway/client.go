package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/httputil"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/go-resty/resty/v2"
)

const userAgent = "payrecon/1.0"

// Client queries payment status through the clinic backend.
//
// Wire format:
//
//	POST {status_path}   {"externalRef": "..."} -> {"rawStatus": "...", "rawStatusDetail": "..."}
//	POST {session_path}  {"localId", "amount", "currency", ...} -> {"externalRef", "redirectUrl", "localId"}
//
// Errors come back as 4xx/5xx with {"error": {"code", "message"}}.
type Client struct {
	http        *resty.Client
	statusPath  string
	sessionPath string
	opts        options
}

// NewClient creates a backend client from the gateway config section.
func NewClient(cfg config.GatewayConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base_url is required")
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := resty.NewWithClient(httputil.NewClient(timeout, userAgent)).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers).
		SetRetryCount(0)

	return &Client{
		http:        rc,
		statusPath:  firstNonEmpty(cfg.StatusPath, "/payments/status"),
		sessionPath: firstNonEmpty(cfg.SessionPath, "/payments/sessions"),
		opts:        buildOptions(opts),
	}, nil
}

// Name implements Gateway.
func (c *Client) Name() string {
	return "backend"
}

type statusRequest struct {
	ExternalRef string `json:"externalRef"`
}

type statusResponse struct {
	RawStatus       string `json:"rawStatus"`
	RawStatusDetail string `json:"rawStatusDetail,omitempty"`
}

// Query implements Gateway.
func (c *Client) Query(ctx context.Context, externalRef string) (payment.RawStatus, error) {
	start := time.Now()
	raw, err := guarded(c.opts, opQuery, func() (payment.RawStatus, error) {
		return c.query(ctx, externalRef)
	})
	c.opts.metrics.ObserveGatewayCall(c.Name(), opQuery, callResult(err), time.Since(start))

	if err != nil {
		c.opts.logger.Debug().
			Err(err).
			Str("external_ref", logger.TruncateRef(externalRef)).
			Msg("gateway.query_failed")
	}
	return raw, err
}

func (c *Client) query(ctx context.Context, externalRef string) (payment.RawStatus, error) {
	var body statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(statusRequest{ExternalRef: externalRef}).
		Post(c.statusPath)
	if err != nil {
		return payment.RawStatus{}, payment.NewTransientError(opQuery, err)
	}
	if err := classifyResponse(opQuery, resp); err != nil {
		return payment.RawStatus{}, err
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return payment.RawStatus{}, payment.NewTransientError(opQuery, fmt.Errorf("decode status response: %w", err))
	}
	if strings.TrimSpace(body.RawStatus) == "" {
		return payment.RawStatus{}, payment.NewTransientError(opQuery, fmt.Errorf("status response without rawStatus"))
	}
	return payment.RawStatus{Code: body.RawStatus, Detail: body.RawStatusDetail}, nil
}

type sessionRequest struct {
	LocalID     string            `json:"localId"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	ReturnURL   string            `json:"returnUrl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type sessionResponse struct {
	ExternalRef *string `json:"externalRef"`
	RedirectURL string  `json:"redirectUrl"`
	LocalID     string  `json:"localId"`
}

// CreateSession implements Gateway.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error) {
	start := time.Now()
	res, err := guarded(c.opts, opCreate, func() (CreateSessionResult, error) {
		return c.createSession(ctx, req)
	})
	c.opts.metrics.ObserveGatewayCall(c.Name(), opCreate, callResult(err), time.Since(start))
	return res, err
}

func (c *Client) createSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sessionRequest{
			LocalID:     req.LocalID,
			Amount:      req.Amount.StringFixed(2),
			Currency:    req.Currency,
			Description: req.Description,
			ReturnURL:   req.ReturnURL,
			Metadata:    req.Metadata,
		}).
		Post(c.sessionPath)
	if err != nil {
		return CreateSessionResult{}, payment.NewTransientError(opCreate, err)
	}
	if err := classifyResponse(opCreate, resp); err != nil {
		return CreateSessionResult{}, err
	}

	var body sessionResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return CreateSessionResult{}, payment.NewTransientError(opCreate, fmt.Errorf("decode session response: %w", err))
	}
	if body.RedirectURL == "" {
		return CreateSessionResult{}, payment.NewTransientError(opCreate, fmt.Errorf("session response without redirectUrl"))
	}

	out := CreateSessionResult{
		RedirectURL: body.RedirectURL,
		LocalID:     firstNonEmpty(body.LocalID, req.LocalID),
	}
	if body.ExternalRef != nil {
		out.ExternalRef = strings.TrimSpace(*body.ExternalRef)
	}
	return out, nil
}

// errorBody accepts {"error": {"code", "message"}}, {"error": "..."} and {"code", "message"}.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type nestedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyResponse maps a non-2xx response onto the error taxonomy.
func classifyResponse(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return payment.NewTransientError(op, fmt.Errorf("http %d", status))
	}
	if status < 400 {
		return payment.NewTransientError(op, fmt.Errorf("unexpected http %d", status))
	}

	code, msg := parseErrorBody(resp.Body())
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &payment.PermanentError{StatusCode: status, Code: code, Message: msg}
}

func parseErrorBody(raw []byte) (code, message string) {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", ""
	}
	if len(body.Error) > 0 {
		var nested nestedError
		if err := json.Unmarshal(body.Error, &nested); err == nil && (nested.Code != "" || nested.Message != "") {
			return nested.Code, nested.Message
		}
		var flat string
		if err := json.Unmarshal(body.Error, &flat); err == nil {
			return body.Code, flat
		}
	}
	return body.Code, body.Message
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
