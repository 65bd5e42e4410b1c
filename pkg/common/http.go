package common

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// throttledTransport waits on the limiter before every request so a burst of
// per-account fetches doesn't hammer the provider.
type throttledTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("limiter: %w", err)
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "pescbridge/" + Version(),
		},
		Timeout: timeout,
	}
}

// ThrottledHTTPClient is HTTPClient limited to rps requests per second with
// the given burst. A non-positive rps disables the limit.
func ThrottledHTTPClient(timeout time.Duration, rps float64, burst int) *http.Client {
	c := HTTPClient(timeout)
	if rps <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.Transport = &throttledTransport{
		transport: c.Transport,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
	}
	return c
}
