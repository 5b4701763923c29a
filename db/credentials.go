package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CredentialRecord holds the decrypted login material for one account
// identity. Instances must stay scoped to the login handshake; they are
// never logged or persisted in plaintext.
type CredentialRecord struct {
	AccountID  string
	Username   string
	Password   string
	TOTPSecret string
	CreatedAt  time.Time
}

// UpsertCredential provisions or rotates the credential for an account
// identity. Fields are encrypted when the store has an encryptor.
func (s *Store) UpsertCredential(ctx context.Context, rec CredentialRecord) error {
	if rec.AccountID == "" {
		return fmt.Errorf("account id is empty")
	}
	user, ver, err := s.encryptField(rec.Username)
	if err != nil {
		return fmt.Errorf("encrypt username: %w", err)
	}
	pass, _, err := s.encryptField(rec.Password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	secret, _, err := s.encryptField(rec.TOTPSecret)
	if err != nil {
		return fmt.Errorf("encrypt totp secret: %w", err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO credentials(account_id, username, password, totp_secret, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT(account_id) DO UPDATE SET
		   username=EXCLUDED.username,
		   password=EXCLUDED.password,
		   totp_secret=EXCLUDED.totp_secret,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		rec.AccountID, user, pass, secret, ver)
	if err != nil {
		return fmt.Errorf("%w: upsert credential: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetCredential loads and decrypts the credential record for an account
// identity. Returns ErrNotFound when the identity was never provisioned.
func (s *Store) GetCredential(ctx context.Context, accountID string) (*CredentialRecord, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var rec CredentialRecord
	var encVersion int
	err = conn.QueryRow(ctx,
		`SELECT account_id, username, password, totp_secret, encryption_version, created_at
		 FROM credentials WHERE account_id=$1`, accountID).
		Scan(&rec.AccountID, &rec.Username, &rec.Password, &rec.TOTPSecret, &encVersion, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get credential: %v", ErrStoreUnavailable, err)
	}

	if rec.Username, err = s.decryptField(rec.Username, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt username: %w", err)
	}
	if rec.Password, err = s.decryptField(rec.Password, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}
	if rec.TOTPSecret, err = s.decryptField(rec.TOTPSecret, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}
	return &rec, nil
}

// CredentialCount reports how many identities are provisioned. Used by the
// readiness probe.
func (s *Store) CredentialCount(ctx context.Context) (int, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var n int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count credentials: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}
