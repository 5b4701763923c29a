package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver registered as 'pgx' for migrations
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies versioned migrations embedded in the binary. It is
// idempotent and safe to run on every start. The migration connection is
// separate from the service pool so a stuck migration cannot starve it.
func RunMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	sqldb, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() {
		if err := sqldb.Close(); err != nil {
			slog.Warn("failed to close migration connection", slog.Any("err", err))
		}
	}()

	driver, err := pgxmigrate.WithInstance(sqldb, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("err", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// Migrate applies the schema with plain idempotent statements. Fallback for
// environments where the versioned path fails (e.g. a pre-existing
// schema_migrations table in a dirty state that an operator has cleaned by
// hand).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			account_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			totp_secret TEXT NOT NULL,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			account_id TEXT PRIMARY KEY REFERENCES credentials(account_id) ON DELETE CASCADE,
			auth_token TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			last_validated_at TIMESTAMPTZ,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_links (
			discord_user_id TEXT PRIMARY KEY,
			vrc_user_id TEXT NOT NULL,
			vrc_display_name TEXT NOT NULL,
			linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS group_reviews (
			group_id TEXT NOT NULL,
			discord_user_id TEXT NOT NULL,
			rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
			asks_for_dob BOOLEAN NOT NULL DEFAULT FALSE,
			comment TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			PRIMARY KEY (group_id, discord_user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_reviews_user ON group_reviews(discord_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_reviews_created ON group_reviews(group_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_user_links_vrc ON user_links(vrc_user_id)`,
	}
	for i, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
