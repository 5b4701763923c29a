package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// SessionArtifact is the durable mirror of one authenticated VRChat session.
// At most one row per account identity is authoritative; SaveSession
// supersedes any prior artifact.
type SessionArtifact struct {
	AccountID       string
	Token           string
	IssuedAt        time.Time
	ExpiresAt       *time.Time // nil when the platform declared no expiry
	LastValidatedAt *time.Time
}

// Expired reports whether the artifact's declared expiry has passed. An
// expiry exactly equal to now counts as expired. Artifacts without a
// declared expiry never expire by clock; they are retired when the platform
// rejects them.
func (a *SessionArtifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// GetCurrentSession loads the persisted artifact for an identity, or nil
// when none is stored.
func (s *Store) GetCurrentSession(ctx context.Context, accountID string) (*SessionArtifact, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var art SessionArtifact
	var encVersion int
	err = conn.QueryRow(ctx,
		`SELECT account_id, auth_token, issued_at, expires_at, last_validated_at, encryption_version
		 FROM sessions WHERE account_id=$1`, accountID).
		Scan(&art.AccountID, &art.Token, &art.IssuedAt, &art.ExpiresAt, &art.LastValidatedAt, &encVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrStoreUnavailable, err)
	}
	if art.Token, err = s.decryptField(art.Token, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt session token: %w", err)
	}
	return &art, nil
}

// SaveSession persists a new artifact, atomically superseding any prior one
// for the same identity. Supersede and insert run in one transaction on the
// borrowed connection.
func (s *Store) SaveSession(ctx context.Context, art SessionArtifact) error {
	if art.AccountID == "" || art.Token == "" {
		return fmt.Errorf("session artifact missing account id or token")
	}
	token, ver, err := s.encryptField(art.Token)
	if err != nil {
		return fmt.Errorf("encrypt session token: %w", err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Warn("session tx rollback failed", slog.Any("err", err))
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE account_id=$1`, art.AccountID); err != nil {
		return fmt.Errorf("%w: supersede session: %v", ErrStoreUnavailable, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions(account_id, auth_token, issued_at, expires_at, last_validated_at, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,NOW())`,
		art.AccountID, token, art.IssuedAt, art.ExpiresAt, art.LastValidatedAt, ver); err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// TouchSession records a successful validation of the current artifact.
func (s *Store) TouchSession(ctx context.Context, accountID string, at time.Time) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx,
		`UPDATE sessions SET last_validated_at=$2, updated_at=NOW() WHERE account_id=$1`,
		accountID, at); err != nil {
		return fmt.Errorf("%w: touch session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// InvalidateSession clears the stored artifact for an identity. The
// credential record is untouched. Idempotent.
func (s *Store) InvalidateSession(ctx context.Context, accountID string) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DELETE FROM sessions WHERE account_id=$1`, accountID); err != nil {
		return fmt.Errorf("%w: invalidate session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ListSessions returns the persisted artifacts for all identities. Tokens
// are not decrypted; this feeds the keepalive scheduler and the status
// endpoint, which only need timestamps.
func (s *Store) ListSessions(ctx context.Context) ([]SessionArtifact, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT account_id, issued_at, expires_at, last_validated_at FROM sessions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []SessionArtifact
	for rows.Next() {
		var art SessionArtifact
		if err := rows.Scan(&art.AccountID, &art.IssuedAt, &art.ExpiresAt, &art.LastValidatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", ErrStoreUnavailable, err)
		}
		out = append(out, art)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}
