package httputil

import (
	"net/http"
	"time"
)

// NewClient returns an HTTP client with a fixed timeout and pooled transport.
// Every outgoing request carries userAgent unless the caller set one.
//
// The gateway client and the status webhook notifier both build on this so
// that connection reuse and timeouts are configured in one place.
func NewClient(timeout time.Duration, userAgent string) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	var rt http.RoundTripper = transport
	if userAgent != "" {
		rt = &userAgentTransport{base: transport, userAgent: userAgent}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}
