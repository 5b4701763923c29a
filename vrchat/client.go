// Package vrchat is a minimal client for the parts of the VRChat HTTP API
// the bot needs: the cookie-session login handshake with TOTP second factor,
// user and group lookups, and session liveness probes.
//
// The client is deliberately stateless about authentication: callers pass
// the session token into every authenticated call, and a 401 surfaces as
// ErrSessionRejected instead of an internal re-login. Centralizing re-login
// in the session manager is what keeps handshakes serialized per account.
package vrchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/toasticodingstuff/vrcreviewbot/totp"
)

// authCookieName is the session cookie VRChat issues on login.
const authCookieName = "auth"

// Client talks to the VRChat API.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client

	// TOTPNow supplies the current second-factor code for a secret.
	// Overridable in tests; defaults to totp.Now.
	TOTPNow func(secret string) (string, error)
}

// New returns a client for the given API base, e.g.
// https://api.vrchat.cloud/api/1.
func New(baseURL, userAgent string) *Client {
	return &Client{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) totpNow(secret string) (string, error) {
	if c.TOTPNow != nil {
		return c.TOTPNow(secret)
	}
	return totp.Now(secret)
}

// newRequest builds a request with the required user agent and, when token
// is non-empty, the session cookie.
func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: authCookieName, Value: token})
	}
	return req, nil
}

// checkStatus maps common platform statuses onto the error taxonomy. 200s
// pass through; the caller decodes the body.
func checkStatus(resp *http.Response, endpoint string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrSessionRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	default:
		return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// getJSON performs an authenticated GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, token, path string, query url.Values, out any) error {
	p := path
	if len(query) > 0 {
		p += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, p, token, nil)
	if err != nil {
		return err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("vrchat: %s: %w", path, err)
	}
	defer closeBody(resp)
	if err := checkStatus(resp, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vrchat: decode %s: %w", path, err)
	}
	return nil
}
