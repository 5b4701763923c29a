package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/toasticodingstuff/vrcreviewbot/telemetry"
	"github.com/toasticodingstuff/vrcreviewbot/vrchat"
)

// StartKeepalive launches a goroutine that periodically probes persisted
// sessions against the platform and re-establishes the ones it finds dead.
// interval: how often to wake up and check.
// window: re-probe a session when its last validation is older than this.
func (m *Manager) StartKeepalive(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			m.keepaliveOnce(ctx, window)
		}
	}()
}

func (m *Manager) keepaliveOnce(ctx context.Context, window time.Duration) {
	arts, err := m.store.ListSessions(ctx)
	if err != nil {
		m.log.Warn("keepalive: session list failed", slog.Any("err", err))
		return
	}
	now := m.now()
	for _, meta := range arts {
		if meta.LastValidatedAt != nil && !meta.Expired(now) && now.Sub(*meta.LastValidatedAt) < window {
			continue
		}

		// ListSessions carries timestamps only; the token needs a
		// per-account load and decrypt.
		art, err := m.store.GetCurrentSession(ctx, meta.AccountID)
		if err != nil {
			m.log.Warn("keepalive: session load failed", slog.String("account", meta.AccountID), slog.Any("err", err))
			continue
		}
		if art == nil {
			continue
		}
		if art.Expired(now) {
			// Clock-expired artifacts are re-minted rather than probed.
			m.forget(art.AccountID, art.Token)
			if err := m.store.InvalidateSession(ctx, art.AccountID); err != nil {
				m.log.Warn("keepalive: invalidate failed", slog.String("account", art.AccountID), slog.Any("err", err))
				continue
			}
			m.relogin(ctx, art.AccountID)
			continue
		}

		inc(telemetry.KeepaliveProbes)
		pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = m.client.VerifySession(pctx, art.Token)
		cancel()
		switch {
		case err == nil:
			if terr := m.store.TouchSession(ctx, art.AccountID, now); terr != nil {
				m.log.Warn("keepalive: touch failed", slog.String("account", art.AccountID), slog.Any("err", terr))
			}
		case errors.Is(err, vrchat.ErrSessionRejected):
			m.log.Info("keepalive: session rejected by platform", slog.String("account", art.AccountID))
			m.ReportRejected(ctx, art.AccountID, art.Token)
			m.relogin(ctx, art.AccountID)
		default:
			inc(telemetry.KeepaliveFailures)
			m.log.Warn("keepalive: probe failed", slog.String("account", art.AccountID), slog.Any("err", err))
		}
	}
}

// relogin proactively mints a replacement session so the next command does
// not pay the handshake cost. Failures are logged and retried on the next
// keepalive cycle or on demand.
func (m *Manager) relogin(ctx context.Context, accountID string) {
	if _, err := m.GetUsableSession(ctx, accountID); err != nil {
		inc(telemetry.KeepaliveFailures)
		m.log.Warn("keepalive: re-login failed", slog.String("account", accountID), slog.Any("err", err))
	}
}
