package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/toasticodingstuff/vrcreviewbot/session"
	"github.com/toasticodingstuff/vrcreviewbot/telemetry"
)

// Store is the slice of the database layer the HTTP surface reads from.
type Store interface {
	Ping(ctx context.Context) error
	CredentialCount(ctx context.Context) (int, error)
	ReviewCount(ctx context.Context) (int, error)
	LinkCount(ctx context.Context) (int, error)
}

// SessionStates reports per-account session state for /status and /readyz.
type SessionStates interface {
	States(ctx context.Context) ([]session.State, error)
}

// Handlers holds the dependencies of the HTTP surface.
type Handlers struct {
	store    Store
	sessions SessionStates
	poolStat func() (total, idle int32) // nil when pool stats are unavailable
	version  string
}

func NewHandlers(store Store, sessions SessionStates, poolStat func() (int32, int32), version string) *Handlers {
	return &Handlers{store: store, sessions: sessions, poolStat: poolStat, version: version}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"credentials", func() error {
			count, err := h.store.CredentialCount(r.Context())
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("no VRChat credentials provisioned")
			}
			return nil
		}},
		{"sessions", func() error {
			_, err := h.sessions.States(r.Context())
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports session states and store counters. Tokens are never
// included.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states, err := h.sessions.States(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	reviews, err := h.store.ReviewCount(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	links, err := h.store.LinkCount(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}

	body := map[string]any{
		"version":  h.version,
		"sessions": states,
		"reviews":  reviews,
		"links":    links,
	}
	if h.poolStat != nil {
		total, idle := h.poolStat()
		telemetry.SetPoolStats(total, idle)
		body["db_pool"] = map[string]int32{"total_conns": total, "idle_conns": idle}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
