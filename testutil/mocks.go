package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockVRChatServer creates a test server that mocks VRChat API responses
type MockVRChatServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockVRChatServer creates a new mock VRChat API server
func NewMockVRChatServer(t *testing.T) *MockVRChatServer {
	t.Helper()
	m := &MockVRChatServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockJSON serves body as JSON for path.
func (m *MockVRChatServer) MockJSON(path string, status int, body any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
	}
}

// MockStatus serves a bare status code for path.
func (m *MockVRChatServer) MockStatus(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockCurrentUser serves a logged-in user object on /auth/user with the auth
// cookie attached, mimicking a completed login.
func (m *MockVRChatServer) MockCurrentUser(token, userID, displayName string) {
	m.Handlers["/auth/user"] = func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: token})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": userID, "displayName": displayName}) //nolint:errcheck // test mock response
	}
}
