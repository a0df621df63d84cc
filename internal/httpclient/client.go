// Package httpclient provides the HTTP transport used to talk to the engine API.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 20 * time.Second

	// MaxResponseSize is the maximum allowed response size (32MB)
	MaxResponseSize = 32 * 1024 * 1024

	// maxErrorBodySize caps how much of a non-2xx body is kept for logging
	maxErrorBodySize = 4 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "feed-preload/1.0"
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)

	// Post performs an HTTP POST request without a body and returns the response body
	Post(ctx context.Context, url string) ([]byte, error)
}

// Credentials holds HTTP basic auth credentials
type Credentials struct {
	Username string
	Password string
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithTimeout sets the per-request timeout. Zero keeps DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *DefaultClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithBasicAuth sets basic auth credentials sent with every request
func WithBasicAuth(creds Credentials) Option {
	return func(c *DefaultClient) {
		c.creds = &creds
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Local engine deployments commonly use self-signed certificates.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *DefaultClient) {
		c.insecureSkipVerify = skip
	}
}

// WithTransportWrapper wraps the underlying transport, e.g. with instrumentation.
// Wrappers apply in the order given, the last one outermost.
func WithTransportWrapper(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(c *DefaultClient) {
		if wrap != nil {
			c.wrappers = append(c.wrappers, wrap)
		}
	}
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client             *http.Client
	timeout            time.Duration
	creds              *Credentials
	insecureSkipVerify bool
	wrappers           []func(http.RoundTripper) http.RoundTripper
}

// NewDefaultClient creates a new default HTTP client
func NewDefaultClient(opts ...Option) *DefaultClient {
	c := &DefaultClient{
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecureSkipVerify {
		//nolint:gosec // G402: verification is an explicit opt-out for self-signed local engines
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var rt http.RoundTripper = transport
	for _, wrap := range c.wrappers {
		rt = wrap(rt)
	}

	c.client = &http.Client{
		Timeout:   c.timeout,
		Transport: rt,
	}
	return c
}

// Timeout returns the per-request timeout
func (c *DefaultClient) Timeout() time.Duration {
	return c.timeout
}

// Get performs an HTTP GET request
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url)
}

// Post performs an HTTP POST request with an empty body
func (c *DefaultClient) Post(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, url)
}

func (c *DefaultClient) do(ctx context.Context, method, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.creds != nil {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, NewHTTPError(resp.StatusCode, url, resp.Status, string(bytes.TrimSpace(body)))
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return body, nil
}

// IsRetryable reports whether err is a bad response or a transport failure.
// Everything else (request construction, size limits) is not worth retrying.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	var transportErr *TransportError
	return errors.As(err, &httpErr) || errors.As(err, &transportErr)
}
