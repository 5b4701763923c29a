// Command provision manages the bot's VRChat credential record without
// restarting the service. It upserts (or with --show, inspects) the
// credential for an account, encrypting fields with ENCRYPTION_KEY.
//
// Usage:
//
//	provision [--account ID] [--show]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key
//	VRC_USER, VRC_PASS, VRC_TOTP_SECRET: credential to store (upsert mode)
//
// Credentials are taken from the environment rather than flags so they never
// appear in the process list.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/toasticodingstuff/vrcreviewbot/crypto"
	"github.com/toasticodingstuff/vrcreviewbot/db"
	"github.com/toasticodingstuff/vrcreviewbot/totp"
)

func main() {
	account := flag.String("account", "bot", "Account identity to provision")
	show := flag.Bool("show", false, "Show the stored credential's metadata instead of writing")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(*account, *show); err != nil {
		slog.Error("provision failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(account string, show bool) error {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, db.PoolConfig{DSN: dsn, MaxConns: 2, AcquireTimeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var enc crypto.Encryptor
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		if enc, err = crypto.NewAESEncryptor(key); err != nil {
			return fmt.Errorf("bad ENCRYPTION_KEY: %w", err)
		}
	}
	store := db.NewStore(pool, enc, 5*time.Second)

	if show {
		rec, err := store.GetCredential(ctx, account)
		if err != nil {
			return err
		}
		// Metadata only; the encrypted fields stay out of the terminal.
		slog.Info("credential present",
			slog.String("account", rec.AccountID),
			slog.Time("created_at", rec.CreatedAt))
		return nil
	}

	user := os.Getenv("VRC_USER")
	pass := os.Getenv("VRC_PASS")
	secret := os.Getenv("VRC_TOTP_SECRET")
	if user == "" || pass == "" || secret == "" {
		return fmt.Errorf("VRC_USER, VRC_PASS and VRC_TOTP_SECRET are required")
	}
	// Reject unparseable secrets before they are persisted.
	if _, err := totp.Now(secret); err != nil {
		return fmt.Errorf("TOTP secret rejected: %w", err)
	}

	if err := store.UpsertCredential(ctx, db.CredentialRecord{
		AccountID:  account,
		Username:   user,
		Password:   pass,
		TOTPSecret: secret,
	}); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	slog.Info("credential provisioned", slog.String("account", account))
	return nil
}
