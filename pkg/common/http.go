package common

import (
	_ "embed"
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

// RoundTrip implements the http.RoundTripper interface.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

type rateLimitTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

// RoundTrip waits for the limiter before sending the request. A canceled
// request context aborts the wait.
func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "OctoSync/" + Version(),
		},
		Timeout: timeout,
	}
}

// RateLimitedHTTPClient returns a client like HTTPClient that sends at most
// one request per minInterval. A zero minInterval disables limiting.
func RateLimitedHTTPClient(timeout, minInterval time.Duration) *http.Client {
	c := HTTPClient(timeout)
	if minInterval <= 0 {
		return c
	}
	c.Transport = &rateLimitTransport{
		transport: c.Transport,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
	}
	return c
}
