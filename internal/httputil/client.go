package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

const userAgent = "raindrop-ingest/1.0"

// NewClient returns an HTTP client for provider calls. Per-request deadlines
// come from the caller's context; timeout is only the outer bound.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &uaTransport{base: http.DefaultTransport},
	}
}

type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}
