package httpclient

import (
	"errors"
	"fmt"
	"net"
)

// HTTPError represents a non-2xx response from the remote endpoint
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
	Body       string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message, body string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
		Body:       body,
	}
}

// TransportError represents a network-level failure: the request never produced a response
type TransportError struct {
	Method string
	URL    string
	Err    error
}

// Error returns the error message
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap returns the underlying network error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a timeout
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}
