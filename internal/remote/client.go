package remote

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/emersion/go-webdav"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12

	// multigetChunkSize bounds the number of object paths per multiget
	// REPORT.
	multigetChunkSize = 20
)

// ClientOptions configures a DAV connection.
type ClientOptions struct {
	BaseURL  string
	Username string
	Password string

	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// rateLimitedTransport blocks each request until the limiter grants a slot.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// newHTTPClient builds the HTTP client shared by the typed DAV clients.
func newHTTPClient(opts ClientOptions) (*http.Client, webdav.HTTPClient) {
	var transport http.RoundTripper = &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		transport = &rateLimitedTransport{
			base:    transport,
			limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), burst),
		}
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	return httpClient, webdav.HTTPClientWithBasicAuth(httpClient, opts.Username, opts.Password)
}
