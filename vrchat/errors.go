package vrchat

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrInvalidCredentials reports a rejected username/password pair.
	// Not retryable; an administrator must rotate the credential.
	ErrInvalidCredentials = errors.New("vrchat: invalid credentials")
	// ErrTwoFactorRejected reports a rejected TOTP code. Not retryable
	// unless the secret was rotated.
	ErrTwoFactorRejected = errors.New("vrchat: two-factor code rejected")
	// ErrSessionRejected reports an authentication-rejection response while
	// using a cached session token. The session manager decides whether to
	// re-login; this client never does so on its own.
	ErrSessionRejected = errors.New("vrchat: session rejected")
	// ErrRateLimited reports a 429 from the platform. Retryable after the
	// advertised (or default) delay.
	ErrRateLimited = errors.New("vrchat: rate limited")
)

// RateLimitError carries the platform's Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("vrchat: rate limited, retry after %s", e.RetryAfter)
	}
	return "vrchat: rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// APIError is any other non-success platform response. The raw body is kept
// out of the message so it never reaches chat replies or logs.
type APIError struct {
	StatusCode int
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vrchat: %s returned status %d", e.Endpoint, e.StatusCode)
}

// Retryable classifies an error as transient. Rate limits, network faults,
// and server-side 5xx responses are worth retrying with backoff; credential
// and two-factor rejections are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrTwoFactorRejected) || errors.Is(err, ErrSessionRejected) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryAfter extracts the platform's backoff hint, or zero when none was
// given.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
