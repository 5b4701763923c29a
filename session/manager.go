// Package session owns the lifecycle of VRChat sessions: it caches the
// current artifact per account, performs the login handshake when no usable
// session exists, and guarantees that concurrent callers never trigger more
// than one login for the same account.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/toasticodingstuff/vrcreviewbot/db"
	"github.com/toasticodingstuff/vrcreviewbot/telemetry"
	"github.com/toasticodingstuff/vrcreviewbot/vrchat"
)

// Store is the persistence surface the manager depends on.
type Store interface {
	GetCredential(ctx context.Context, accountID string) (*db.CredentialRecord, error)
	GetCurrentSession(ctx context.Context, accountID string) (*db.SessionArtifact, error)
	SaveSession(ctx context.Context, art db.SessionArtifact) error
	TouchSession(ctx context.Context, accountID string, at time.Time) error
	InvalidateSession(ctx context.Context, accountID string) error
	ListSessions(ctx context.Context) ([]db.SessionArtifact, error)
}

// Client is the platform surface used to mint and probe sessions.
type Client interface {
	Login(ctx context.Context, creds vrchat.Credentials) (*vrchat.LoginResult, error)
	VerifySession(ctx context.Context, token string) error
	Logout(ctx context.Context, token string) error
}

// Kind labels an authentication failure for callers and metrics.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindTwoFactorRejected  Kind = "totp_rejected"
	KindTimeout            Kind = "timeout"
	KindUnavailable        Kind = "unavailable"
)

// AuthError is the single error type GetUsableSession returns. The wrapped
// cause never carries credential material.
type AuthError struct {
	Kind Kind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("session: %s", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Options tunes login behaviour. Zero values fall back to defaults.
type Options struct {
	TTL          time.Duration // lifetime stamped on freshly minted sessions
	LoginTimeout time.Duration // wall-clock bound on one establish attempt, retries included
	MaxRetries   int           // retry budget for transient login failures
	BackoffBase  time.Duration // initial retry interval
}

func (o *Options) fill() {
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 90 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
}

// Manager hands out usable session tokens for provisioned VRChat accounts.
type Manager struct {
	store  Store
	client Client
	opts   Options
	now    func() time.Time
	log    *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]db.SessionArtifact
}

func NewManager(store Store, client Client, opts Options) *Manager {
	opts.fill()
	return &Manager{
		store:  store,
		client: client,
		opts:   opts,
		now:    time.Now,
		log:    slog.Default().With(slog.String("component", "session")),
		cache:  make(map[string]db.SessionArtifact),
	}
}

// GetUsableSession returns a token valid for platform calls, reusing the
// cached or persisted artifact when possible and performing a fresh login
// otherwise. Concurrent callers for the same account share a single login.
func (m *Manager) GetUsableSession(ctx context.Context, accountID string) (string, error) {
	if tok, ok := m.cachedToken(accountID); ok {
		inc(telemetry.SessionCacheHits)
		return tok, nil
	}
	inc(telemetry.SessionCacheMisses)

	// The establish call is detached from the first caller's context so a
	// cancelled waiter cannot fail the login for everyone sharing it.
	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.establish(context.WithoutCancel(ctx), accountID)
	})
	if err != nil {
		return "", err
	}
	if cerr := ctx.Err(); cerr != nil {
		return "", cerr
	}
	return v.(string), nil
}

func (m *Manager) cachedToken(accountID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.cache[accountID]
	if !ok || art.Expired(m.now()) {
		return "", false
	}
	return art.Token, true
}

func (m *Manager) remember(art db.SessionArtifact) {
	m.mu.Lock()
	m.cache[art.AccountID] = art
	m.mu.Unlock()
}

func (m *Manager) forget(accountID, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.cache[accountID]
	if !ok || (token != "" && art.Token != token) {
		return false
	}
	delete(m.cache, accountID)
	return true
}

// establish runs under singleflight: at most one per account at a time.
func (m *Manager) establish(ctx context.Context, accountID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.LoginTimeout)
	defer cancel()

	// A previous flight may have persisted a session while we queued.
	art, err := m.store.GetCurrentSession(ctx, accountID)
	if err != nil {
		return "", &AuthError{Kind: KindUnavailable, Err: err}
	}
	if art != nil && !art.Expired(m.now()) {
		m.remember(*art)
		return art.Token, nil
	}

	creds, err := m.store.GetCredential(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return "", &AuthError{Kind: KindInvalidCredentials, Err: fmt.Errorf("no credentials provisioned for account %q", accountID)}
	}
	if err != nil {
		return "", &AuthError{Kind: KindUnavailable, Err: err}
	}

	ctx, span := telemetry.StartSpan(ctx, "session", "vrchat.login",
		attribute.String("account_id", accountID))
	defer span.End()

	inc(telemetry.LoginsStarted)
	start := time.Now()

	var res *vrchat.LoginResult
	op := func() error {
		r, lerr := m.client.Login(ctx, vrchat.Credentials{
			Username:   creds.Username,
			Password:   creds.Password,
			TOTPSecret: creds.TOTPSecret,
		})
		if lerr != nil {
			if !vrchat.Retryable(lerr) {
				return backoff.Permanent(lerr)
			}
			m.log.Warn("vrchat login attempt failed", slog.String("account", accountID), slog.Any("err", lerr))
			return lerr
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.BackoffBase
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = m.opts.LoginTimeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.opts.MaxRetries)), ctx)); err != nil {
		aerr := classify(err)
		telemetry.CountLoginFailure(string(aerr.Kind))
		telemetry.RecordError(span, aerr)
		m.log.Error("vrchat login failed", slog.String("account", accountID), slog.String("kind", string(aerr.Kind)))
		return "", aerr
	}
	telemetry.SetSpanSuccess(span)

	if telemetry.LoginDuration != nil {
		telemetry.LoginDuration.Observe(time.Since(start).Seconds())
	}
	inc(telemetry.LoginsSucceeded)

	expires := m.now().Add(m.opts.TTL)
	fresh := db.SessionArtifact{
		AccountID: accountID,
		Token:     res.Token,
		IssuedAt:  m.now(),
		ExpiresAt: &expires,
	}
	if err := m.store.SaveSession(ctx, fresh); err != nil {
		// The session is live on the platform even when persistence fails;
		// serve it from cache and surface the store trouble in logs.
		m.log.Warn("session persist failed", slog.String("account", accountID), slog.Any("err", err))
	}
	m.remember(fresh)
	m.log.Info("vrchat login succeeded",
		slog.String("account", accountID),
		slog.String("user_id", res.UserID),
		slog.Bool("two_factor", res.TwoFactorUsed))
	return fresh.Token, nil
}

// ReportRejected records that the platform refused token for accountID. The
// persisted artifact is dropped only when it still is the rejected one, so a
// stale report cannot destroy a session minted in the meantime.
func (m *Manager) ReportRejected(ctx context.Context, accountID, token string) {
	m.forget(accountID, token)

	art, err := m.store.GetCurrentSession(ctx, accountID)
	if err != nil || art == nil || art.Token != token {
		return
	}
	if err := m.store.InvalidateSession(ctx, accountID); err != nil {
		m.log.Warn("session invalidate failed", slog.String("account", accountID), slog.Any("err", err))
		return
	}
	inc(telemetry.SessionsRejected)
	m.log.Info("session invalidated after platform rejection", slog.String("account", accountID))
}

// Invalidate drops the account's session everywhere and tells the platform
// to end it. Logout failures are logged, not returned: the local state is
// authoritative.
func (m *Manager) Invalidate(ctx context.Context, accountID string) error {
	var token string
	m.mu.Lock()
	if art, ok := m.cache[accountID]; ok {
		token = art.Token
	}
	delete(m.cache, accountID)
	m.mu.Unlock()

	if token == "" {
		if art, err := m.store.GetCurrentSession(ctx, accountID); err == nil && art != nil {
			token = art.Token
		}
	}
	if token != "" {
		if err := m.client.Logout(ctx, token); err != nil {
			m.log.Warn("platform logout failed", slog.String("account", accountID), slog.Any("err", err))
		}
	}
	return m.store.InvalidateSession(ctx, accountID)
}

// State describes one account's session for the status endpoint. The token
// itself is never exposed.
type State struct {
	AccountID       string     `json:"account_id"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	Expired         bool       `json:"expired"`
	Cached          bool       `json:"cached"`
}

// States reports all persisted sessions.
func (m *Manager) States(ctx context.Context) ([]State, error) {
	arts, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]State, 0, len(arts))
	for _, a := range arts {
		_, cached := m.cache[a.AccountID]
		states = append(states, State{
			AccountID:       a.AccountID,
			IssuedAt:        a.IssuedAt,
			ExpiresAt:       a.ExpiresAt,
			LastValidatedAt: a.LastValidatedAt,
			Expired:         a.Expired(m.now()),
			Cached:          cached,
		})
	}
	return states, nil
}

func classify(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, vrchat.ErrInvalidCredentials):
		return &AuthError{Kind: KindInvalidCredentials, Err: err}
	case errors.Is(err, vrchat.ErrTwoFactorRejected):
		return &AuthError{Kind: KindTwoFactorRejected, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &AuthError{Kind: KindTimeout, Err: err}
	default:
		return &AuthError{Kind: KindUnavailable, Err: err}
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
