package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/toasticodingstuff/vrcreviewbot/db"
	"github.com/toasticodingstuff/vrcreviewbot/vrchat"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	mu       sync.Mutex
	creds    map[string]db.CredentialRecord
	sessions map[string]db.SessionArtifact

	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		creds:    make(map[string]db.CredentialRecord),
		sessions: make(map[string]db.SessionArtifact),
	}
}

func (s *memStore) GetCredential(_ context.Context, accountID string) (*db.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.creds[accountID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) GetCurrentSession(_ context.Context, accountID string) (*db.SessionArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.sessions[accountID]
	if !ok {
		return nil, nil
	}
	return &art, nil
}

func (s *memStore) SaveSession(_ context.Context, art db.SessionArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.sessions[art.AccountID] = art
	return nil
}

func (s *memStore) TouchSession(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.sessions[accountID]
	if !ok {
		return nil
	}
	art.LastValidatedAt = &at
	s.sessions[accountID] = art
	return nil
}

func (s *memStore) InvalidateSession(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accountID)
	return nil
}

func (s *memStore) ListSessions(_ context.Context) ([]db.SessionArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.SessionArtifact, 0, len(s.sessions))
	for _, a := range s.sessions {
		// The real listing omits the auth_token column.
		a.Token = ""
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) sessionToken(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[accountID].Token
}

// fakeClient counts logins and serves scripted results.
type fakeClient struct {
	mu           sync.Mutex
	loginCalls   int
	loginErrs    []error // consumed one per call; nil entry or exhaustion means success
	loginDelay   time.Duration
	verifyErr    error
	verifyTokens []string
	loggedOut    []string
}

func (c *fakeClient) Login(ctx context.Context, _ vrchat.Credentials) (*vrchat.LoginResult, error) {
	c.mu.Lock()
	c.loginCalls++
	n := c.loginCalls
	var err error
	if len(c.loginErrs) > 0 {
		err = c.loginErrs[0]
		c.loginErrs = c.loginErrs[1:]
	}
	delay := c.loginDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &vrchat.LoginResult{Token: fmt.Sprintf("authcookie_%d", n), UserID: "usr_bot", TwoFactorUsed: true}, nil
}

func (c *fakeClient) VerifySession(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyTokens = append(c.verifyTokens, token)
	return c.verifyErr
}

func (c *fakeClient) Logout(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = append(c.loggedOut, token)
	return nil
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginCalls
}

func newTestManager(store *memStore, client *fakeClient) *Manager {
	return NewManager(store, client, Options{
		TTL:          time.Hour,
		LoginTimeout: 5 * time.Second,
		MaxRetries:   4,
		BackoffBase:  time.Millisecond,
	})
}

func provision(store *memStore, accountID string) {
	store.mu.Lock()
	store.creds[accountID] = db.CredentialRecord{AccountID: accountID, Username: "bot", Password: "pw", TOTPSecret: "SECRET"}
	store.mu.Unlock()
}

func TestGetUsableSession_PersistedFastPath(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	exp := time.Now().Add(time.Hour)
	store.sessions["bot"] = db.SessionArtifact{AccountID: "bot", Token: "authcookie_persisted", IssuedAt: time.Now(), ExpiresAt: &exp}

	m := newTestManager(store, client)
	tok, err := m.GetUsableSession(context.Background(), "bot")
	if err != nil {
		t.Fatalf("GetUsableSession() error = %v", err)
	}
	if tok != "authcookie_persisted" {
		t.Errorf("token = %s, want persisted artifact", tok)
	}
	if client.calls() != 0 {
		t.Errorf("login calls = %d, want 0", client.calls())
	}

	// Second call is served from the in-memory cache.
	if tok2, _ := m.GetUsableSession(context.Background(), "bot"); tok2 != tok {
		t.Errorf("cached token = %s, want %s", tok2, tok)
	}
}

func TestGetUsableSession_SingleLoginUnderConcurrency(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{loginDelay: 50 * time.Millisecond}
	provision(store, "bot")
	m := newTestManager(store, client)

	const n = 25
	tokens := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetUsableSession(context.Background(), "bot")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d token = %s, want %s", i, tokens[i], tokens[0])
		}
	}
	if client.calls() != 1 {
		t.Errorf("login calls = %d, want exactly 1", client.calls())
	}
	if store.sessionToken("bot") != tokens[0] {
		t.Errorf("persisted token = %s, want %s", store.sessionToken("bot"), tokens[0])
	}
}

func TestGetUsableSession_ExpiredSessionReplaced(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	exp := time.Now().Add(-time.Minute)
	store.sessions["bot"] = db.SessionArtifact{AccountID: "bot", Token: "authcookie_stale", IssuedAt: time.Now().Add(-time.Hour), ExpiresAt: &exp}

	m := newTestManager(store, client)
	tok, err := m.GetUsableSession(context.Background(), "bot")
	if err != nil {
		t.Fatalf("GetUsableSession() error = %v", err)
	}
	if tok == "authcookie_stale" {
		t.Error("expired token was handed out")
	}
	if client.calls() != 1 {
		t.Errorf("login calls = %d, want 1", client.calls())
	}
	if store.sessionToken("bot") != tok {
		t.Errorf("persisted token = %s, want %s (supersede)", store.sessionToken("bot"), tok)
	}
}

func TestGetUsableSession_NoCredentials(t *testing.T) {
	m := newTestManager(newMemStore(), &fakeClient{})

	_, err := m.GetUsableSession(context.Background(), "bot")
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Kind != KindInvalidCredentials {
		t.Errorf("error = %v, want AuthError{KindInvalidCredentials}", err)
	}
}

func TestGetUsableSession_InvalidCredentialsNotRetried(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{loginErrs: []error{vrchat.ErrInvalidCredentials}}
	provision(store, "bot")
	m := newTestManager(store, client)

	_, err := m.GetUsableSession(context.Background(), "bot")
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Kind != KindInvalidCredentials {
		t.Fatalf("error = %v, want AuthError{KindInvalidCredentials}", err)
	}
	if client.calls() != 1 {
		t.Errorf("login calls = %d, want 1 (no retry on credential rejection)", client.calls())
	}
}

func TestGetUsableSession_TwoFactorRejectedKind(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{loginErrs: []error{vrchat.ErrTwoFactorRejected}}
	provision(store, "bot")
	m := newTestManager(store, client)

	_, err := m.GetUsableSession(context.Background(), "bot")
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Kind != KindTwoFactorRejected {
		t.Errorf("error = %v, want AuthError{KindTwoFactorRejected}", err)
	}
}

func TestGetUsableSession_RetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{loginErrs: []error{
		&vrchat.APIError{StatusCode: 503, Endpoint: "/auth/user"},
		&vrchat.APIError{StatusCode: 502, Endpoint: "/auth/user"},
	}}
	provision(store, "bot")
	m := newTestManager(store, client)

	tok, err := m.GetUsableSession(context.Background(), "bot")
	if err != nil {
		t.Fatalf("GetUsableSession() error = %v", err)
	}
	if tok == "" {
		t.Error("empty token after successful retry")
	}
	if client.calls() != 3 {
		t.Errorf("login calls = %d, want 3 (two transient failures then success)", client.calls())
	}
}

func TestReportRejected_OnlyDropsCurrentArtifact(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	m := newTestManager(store, client)

	tok, err := m.GetUsableSession(context.Background(), "bot")
	if err != nil {
		t.Fatalf("GetUsableSession() error = %v", err)
	}

	// A stale rejection must not destroy the current session.
	m.ReportRejected(context.Background(), "bot", "authcookie_old")
	if store.sessionToken("bot") != tok {
		t.Error("stale rejection destroyed the current session")
	}
	if got, _ := m.GetUsableSession(context.Background(), "bot"); got != tok {
		t.Errorf("token after stale rejection = %s, want %s", got, tok)
	}
	if client.calls() != 1 {
		t.Errorf("login calls = %d, want 1", client.calls())
	}

	// Rejecting the current token drops it and the next call logs in anew.
	m.ReportRejected(context.Background(), "bot", tok)
	if store.sessionToken("bot") != "" {
		t.Error("current session survived its rejection")
	}
	tok2, err := m.GetUsableSession(context.Background(), "bot")
	if err != nil {
		t.Fatalf("GetUsableSession() after rejection error = %v", err)
	}
	if tok2 == tok {
		t.Error("rejected token was handed out again")
	}
	if client.calls() != 2 {
		t.Errorf("login calls = %d, want 2", client.calls())
	}
}

func TestInvalidate(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	m := newTestManager(store, client)

	tok, err := m.GetUsableSession(context.Background(), "bot")
	if err != nil {
		t.Fatalf("GetUsableSession() error = %v", err)
	}
	if err := m.Invalidate(context.Background(), "bot"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if store.sessionToken("bot") != "" {
		t.Error("session survived Invalidate")
	}
	client.mu.Lock()
	loggedOut := append([]string(nil), client.loggedOut...)
	client.mu.Unlock()
	if len(loggedOut) != 1 || loggedOut[0] != tok {
		t.Errorf("loggedOut = %v, want [%s]", loggedOut, tok)
	}
}

func TestKeepaliveOnce_TouchesHealthySessions(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	exp := time.Now().Add(time.Hour)
	store.sessions["bot"] = db.SessionArtifact{AccountID: "bot", Token: "authcookie_live", IssuedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: &exp}

	m := newTestManager(store, client)
	m.keepaliveOnce(context.Background(), time.Hour)

	store.mu.Lock()
	art := store.sessions["bot"]
	store.mu.Unlock()
	if art.LastValidatedAt == nil {
		t.Error("healthy session was not touched")
	}
	if client.calls() != 0 {
		t.Errorf("login calls = %d, want 0", client.calls())
	}
}

func TestKeepaliveOnce_ReplacesRejectedSession(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{verifyErr: vrchat.ErrSessionRejected}
	provision(store, "bot")
	exp := time.Now().Add(time.Hour)
	store.sessions["bot"] = db.SessionArtifact{AccountID: "bot", Token: "authcookie_dead", IssuedAt: time.Now(), ExpiresAt: &exp}

	m := newTestManager(store, client)
	m.keepaliveOnce(context.Background(), time.Hour)

	if client.calls() != 1 {
		t.Errorf("login calls = %d, want 1 (proactive re-login)", client.calls())
	}
	if tok := store.sessionToken("bot"); tok == "authcookie_dead" || tok == "" {
		t.Errorf("persisted token = %q, want freshly minted session", tok)
	}
}

func TestKeepaliveOnce_ProbesWithStoredToken(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	exp := time.Now().Add(time.Hour)
	store.sessions["bot"] = db.SessionArtifact{AccountID: "bot", Token: "authcookie_live", IssuedAt: time.Now(), ExpiresAt: &exp}

	m := newTestManager(store, client)
	m.keepaliveOnce(context.Background(), time.Hour)

	// The listing omits tokens; the probe must carry the per-account load.
	client.mu.Lock()
	tokens := append([]string(nil), client.verifyTokens...)
	client.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "authcookie_live" {
		t.Fatalf("probed tokens = %q, want [\"authcookie_live\"]", tokens)
	}
	store.mu.Lock()
	art := store.sessions["bot"]
	store.mu.Unlock()
	if art.LastValidatedAt == nil {
		t.Error("healthy session was not touched")
	}
}

func TestKeepaliveOnce_SkipsRecentlyValidated(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{verifyErr: errors.New("probe should not run")}
	provision(store, "bot")
	exp := time.Now().Add(time.Hour)
	recent := time.Now().Add(-time.Minute)
	store.sessions["bot"] = db.SessionArtifact{AccountID: "bot", Token: "authcookie_live", IssuedAt: time.Now(), ExpiresAt: &exp, LastValidatedAt: &recent}

	m := newTestManager(store, client)
	m.keepaliveOnce(context.Background(), time.Hour)

	if client.calls() != 0 {
		t.Errorf("login calls = %d, want 0", client.calls())
	}
}

func TestStates(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	provision(store, "bot")
	m := newTestManager(store, client)

	if _, err := m.GetUsableSession(context.Background(), "bot"); err != nil {
		t.Fatalf("GetUsableSession() error = %v", err)
	}
	states, err := m.States(context.Background())
	if err != nil {
		t.Fatalf("States() error = %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("len(states) = %d, want 1", len(states))
	}
	st := states[0]
	if st.AccountID != "bot" || !st.Cached || st.Expired {
		t.Errorf("state = %+v, want cached live session for bot", st)
	}
}
