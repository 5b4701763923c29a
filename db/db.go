// Package db provides the bounded Postgres connection pool, schema
// migration, and the credential, session, link, and review stores.
//
// Every store operation borrows one pooled connection for its duration and
// releases it on all exit paths. Multi-statement writes run in a single
// transaction on the borrowed connection.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toasticodingstuff/vrcreviewbot/crypto"
)

var (
	// ErrPoolExhausted reports that no pooled connection became available
	// within the configured acquire timeout. Retryable.
	ErrPoolExhausted = errors.New("db: connection pool exhausted")
	// ErrStoreUnavailable reports that the store could not be reached.
	// Retryable.
	ErrStoreUnavailable = errors.New("db: store unavailable")
	// ErrNotFound reports a missing credential record. Not retryable; the
	// account was never provisioned.
	ErrNotFound = errors.New("db: credential not found")
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	AcquireTimeout  time.Duration
	ConnMaxLifetime time.Duration
	HealthCheck     time.Duration
}

// Connect opens a bounded pgx pool. Connections are liveness-checked before
// being handed out; a connection failing the check is discarded and replaced
// by the pool, never returned to a caller.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.HealthCheck > 0 {
		pc.HealthCheckPeriod = cfg.HealthCheck
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	slog.Info("database pool opened",
		slog.Int("max_conns", int(pc.MaxConns)),
		slog.Int("min_conns", int(pc.MinConns)),
		slog.String("component", "db"))
	return pool, nil
}

// Store is the durable home of credentials, session artifacts, account links,
// and group reviews. The encryptor is an injected capability; when nil,
// sensitive fields are stored in plaintext (not recommended outside tests).
type Store struct {
	pool           *pgxpool.Pool
	enc            crypto.Encryptor
	acquireTimeout time.Duration
}

// NewStore wires a store onto an open pool.
func NewStore(pool *pgxpool.Pool, enc crypto.Encryptor, acquireTimeout time.Duration) *Store {
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	if enc == nil {
		slog.Warn("encryption key not configured, credentials will be stored in plaintext",
			slog.String("component", "db"))
	}
	return &Store{pool: pool, enc: enc, acquireTimeout: acquireTimeout}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// acquire borrows one connection, waiting at most the acquire timeout.
func (s *Store) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	conn, err := s.pool.Acquire(actx)
	if err != nil {
		// The caller's context being done is their timeout, not pool pressure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if actx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return conn, nil
}

// Ping verifies store reachability, borrowing and releasing one connection.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// encryptField applies the injected encryptor when configured.
func (s *Store) encryptField(v string) (string, int, error) {
	if s.enc == nil {
		return v, 0, nil
	}
	out, err := crypto.EncryptString(s.enc, v)
	if err != nil {
		return "", 0, err
	}
	return out, 1, nil
}

// decryptField reverses encryptField for the recorded encryption version.
func (s *Store) decryptField(v string, version int) (string, error) {
	if version == 0 {
		return v, nil
	}
	if s.enc == nil {
		return "", fmt.Errorf("field is encrypted but no encryption key is configured")
	}
	return crypto.DecryptString(s.enc, v)
}
