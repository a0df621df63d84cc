package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/feed-preload/internal/httpclient"
)

const (
	// FeedsPath is the feed status endpoint, relative to the API base URL
	FeedsPath = "/system/feeds"

	// DefaultHealthPath is the availability endpoint, relative to the API base URL
	DefaultHealthPath = "/health"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks -source=client.go API

// API is the subset of the engine API used to drive a feed sync
type API interface {
	// CheckHealth returns nil when the engine answers its health endpoint with a 2xx
	CheckHealth(ctx context.Context) error

	// TriggerSync asks the engine to start a feed sync
	TriggerSync(ctx context.Context) error

	// FetchStatus returns the current sync status of every feed
	FetchStatus(ctx context.Context) ([]SyncRecordStatus, error)
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHealthPath overrides DefaultHealthPath
func WithHealthPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.healthPath = "/" + strings.TrimPrefix(path, "/")
		}
	}
}

// Client talks to the engine API. It performs no retries of its own.
type Client struct {
	http       httpclient.Client
	baseURL    string
	healthPath string
}

var _ API = (*Client)(nil)

// NewClient creates a Client for the API rooted at baseURL
func NewClient(baseURL string, http httpclient.Client, opts ...ClientOption) *Client {
	c := &Client{
		http:       http,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		healthPath: DefaultHealthPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckHealth implements API
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.http.Get(ctx, c.baseURL+c.healthPath)
	return err
}

// TriggerSync implements API
func (c *Client) TriggerSync(ctx context.Context) error {
	if _, err := c.http.Post(ctx, c.baseURL+FeedsPath+"?sync=true"); err != nil {
		return fmt.Errorf("failed to trigger feed sync: %w", err)
	}
	return nil
}

// FetchStatus implements API
func (c *Client) FetchStatus(ctx context.Context) ([]SyncRecordStatus, error) {
	url := c.baseURL + FeedsPath
	body, err := c.http.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	records, err := ParseStatus(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed status from %s: %w", url, err)
	}
	return records, nil
}

// IsRetryable reports whether a FetchStatus or CheckHealth error is worth another attempt:
// bad responses, transport failures and malformed payloads.
func IsRetryable(err error) bool {
	return httpclient.IsRetryable(err) || errors.Is(err, ErrMalformedPayload)
}
