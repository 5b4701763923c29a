package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/toasticodingstuff/vrcreviewbot/crypto"
	"github.com/toasticodingstuff/vrcreviewbot/db"
)

// SetupTestDB connects a pool, runs migrations and returns a Store with a
// throwaway encryption key. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, db.PoolConfig{
		DSN:            dsn,
		MaxConns:       4,
		MinConns:       1,
		AcquireTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	enc, err := crypto.NewAESEncryptor(RandomKey(t))
	if err != nil {
		t.Fatalf("failed to build encryptor: %v", err)
	}
	return db.NewStore(pool, enc, 5*time.Second)
}

// RandomKey returns a fresh base64 AES-256 key.
func RandomKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}
