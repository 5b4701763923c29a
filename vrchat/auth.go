package vrchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Credentials is the decrypted login material for one account. It exists
// only for the duration of a handshake.
type Credentials struct {
	Username   string
	Password   string
	TOTPSecret string
}

// LoginResult is the outcome of a completed handshake.
type LoginResult struct {
	Token         string
	UserID        string
	DisplayName   string
	TwoFactorUsed bool
}

// handshakeState tracks where the login protocol stands, so a resumed
// attempt re-enters at the failing step instead of restarting blind.
type handshakeState int

const (
	stateCredentials handshakeState = iota
	stateTwoFactor
	stateConfirm
	stateDone
)

type currentUser struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	Bio                   string   `json:"bio"`
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

// Login runs the VRChat handshake: submit credentials, answer the TOTP
// challenge when issued, confirm the session. Failure kinds are
// distinguished per the package error taxonomy.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	res := &LoginResult{}
	state := stateCredentials
	for state != stateDone {
		var err error
		switch state {
		case stateCredentials:
			state, err = c.submitCredentials(ctx, creds, res)
		case stateTwoFactor:
			state, err = c.submitTwoFactor(ctx, creds, res)
		case stateConfirm:
			state, err = c.confirmSession(ctx, res)
		}
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// submitCredentials performs the Basic-auth GET /auth/user step. VRChat
// url-encodes username and password before base64 in the Authorization
// header.
func (c *Client) submitCredentials(ctx context.Context, creds Credentials, res *LoginResult) (handshakeState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/user", "", nil)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(url.QueryEscape(creds.Username), url.QueryEscape(creds.Password))

	resp, err := c.http().Do(req)
	if err != nil {
		return 0, fmt.Errorf("vrchat: credential step: %w", err)
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return 0, ErrInvalidCredentials
	case http.StatusTooManyRequests:
		return 0, &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{StatusCode: resp.StatusCode, Endpoint: "/auth/user"}
	}

	token := sessionCookie(resp)
	if token == "" {
		return 0, fmt.Errorf("vrchat: login response carried no %s cookie", authCookieName)
	}
	res.Token = token

	var user currentUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return 0, fmt.Errorf("vrchat: decode credential step: %w", err)
	}
	if len(user.RequiresTwoFactorAuth) > 0 {
		return stateTwoFactor, nil
	}
	// Accounts without 2FA are complete after the first step.
	res.UserID = user.ID
	res.DisplayName = user.DisplayName
	return stateDone, nil
}

// submitTwoFactor answers the TOTP challenge with a freshly generated code.
func (c *Client) submitTwoFactor(ctx context.Context, creds Credentials, res *LoginResult) (handshakeState, error) {
	code, err := c.totpNow(creds.TOTPSecret)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/twofactorauth/totp/verify", res.Token, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http().Do(req)
	if err != nil {
		return 0, fmt.Errorf("vrchat: two-factor step: %w", err)
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return 0, ErrTwoFactorRejected
	case http.StatusTooManyRequests:
		return 0, &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{StatusCode: resp.StatusCode, Endpoint: "/auth/twofactorauth/totp/verify"}
	}

	var verify struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verify); err != nil {
		return 0, fmt.Errorf("vrchat: decode two-factor step: %w", err)
	}
	if !verify.Verified {
		return 0, ErrTwoFactorRejected
	}
	res.TwoFactorUsed = true
	return stateConfirm, nil
}

// confirmSession re-fetches the current user with the new cookie to prove
// the session is usable and capture identity fields.
func (c *Client) confirmSession(ctx context.Context, res *LoginResult) (handshakeState, error) {
	var user currentUser
	if err := c.getJSON(ctx, res.Token, "/auth/user", nil, &user); err != nil {
		return 0, fmt.Errorf("vrchat: confirm step: %w", err)
	}
	if len(user.RequiresTwoFactorAuth) > 0 {
		// The platform did not accept the verification after all.
		return 0, ErrTwoFactorRejected
	}
	res.UserID = user.ID
	res.DisplayName = user.DisplayName
	return stateDone, nil
}

// VerifySession probes a cached token with a cheap authenticated call.
// Returns ErrSessionRejected when the platform no longer honors it.
func (c *Client) VerifySession(ctx context.Context, token string) error {
	var user currentUser
	if err := c.getJSON(ctx, token, "/auth/user", nil, &user); err != nil {
		return err
	}
	if len(user.RequiresTwoFactorAuth) > 0 {
		return ErrSessionRejected
	}
	return nil
}

// Logout invalidates the session server-side. Best effort; the durable
// artifact is cleared regardless.
func (c *Client) Logout(ctx context.Context, token string) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/logout", token, nil)
	if err != nil {
		return err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("vrchat: logout: %w", err)
	}
	defer closeBody(resp)
	return checkStatus(resp, "/logout")
}

func sessionCookie(resp *http.Response) string {
	for _, ck := range resp.Cookies() {
		if ck.Name == authCookieName {
			return ck.Value
		}
	}
	return ""
}
