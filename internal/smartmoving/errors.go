package smartmoving

import (
	"errors"
	"fmt"
	"time"

	"github.com/lgm-ops/movesync/internal/resilience"
)

// ErrorKind classifies an upstream failure.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindHTTP4xx   ErrorKind = "http_4xx"
	KindHTTP5xx   ErrorKind = "http_5xx"
	KindDecode    ErrorKind = "decode"
	KindTimeout   ErrorKind = "timeout"
)

// UpstreamError is the single error type surfaced by the client.
type UpstreamError struct {
	Kind       ErrorKind
	Status     int
	Body       string
	Err        error
	retryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("smartmoving: %s (status %d)", e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("smartmoving: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("smartmoving: %s", e.Kind)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the client should retry this failure:
// transport errors, timeouts, and the transient HTTP statuses (408, 429
// and the retryable 5xx family).
func (e *UpstreamError) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindHTTP4xx, KindHTTP5xx:
		return resilience.IsTransientHTTPStatus(e.Status)
	default:
		return false
	}
}

// RetryAfter returns the server-requested backoff for a 429, if any.
func (e *UpstreamError) RetryAfter() time.Duration {
	return e.retryAfter
}

// AsUpstreamError unwraps err to an *UpstreamError if present.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsAuthError reports whether err is an upstream 401/403.
func IsAuthError(err error) bool {
	if ue, ok := AsUpstreamError(err); ok {
		return ue.Status == 401 || ue.Status == 403
	}
	return false
}
