// Command vrcreviewbot runs the VRChat group-review Discord bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects a bounded Postgres pool and runs idempotent migrations.
//   - Provisions the bot's VRChat credential from the environment when set.
//   - Starts the session manager with its keepalive refresher and the
//     Discord command bridge.
//   - Exposes the HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/toasticodingstuff/vrcreviewbot/config"
	"github.com/toasticodingstuff/vrcreviewbot/crypto"
	"github.com/toasticodingstuff/vrcreviewbot/db"
	"github.com/toasticodingstuff/vrcreviewbot/discord"
	"github.com/toasticodingstuff/vrcreviewbot/server"
	"github.com/toasticodingstuff/vrcreviewbot/session"
	"github.com/toasticodingstuff/vrcreviewbot/telemetry"
	"github.com/toasticodingstuff/vrcreviewbot/vrchat"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("vrcreviewbot", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, db.PoolConfig{
		DSN:             cfg.DBDsn,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		AcquireTimeout:  cfg.DBAcquireTimeout,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		HealthCheck:     cfg.DBHealthCheckEvery,
	})
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(cfg.DBDsn); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, pool); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	var enc crypto.Encryptor
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		enc, err = crypto.NewAESEncryptor(key)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store := db.NewStore(pool, enc, cfg.DBAcquireTimeout)

	// Administrative credential provisioning: an env-supplied credential is
	// upserted at startup so the same path rotates an existing one.
	if cfg.VRChatUsername != "" || cfg.VRChatPassword != "" || cfg.VRChatTOTPSecret != "" {
		if err := cfg.ValidateVRChatReady(); err != nil {
			slog.Error("partial vrchat credential in env", slog.Any("err", err))
			os.Exit(1)
		}
		if err := store.UpsertCredential(ctx, db.CredentialRecord{
			AccountID:  cfg.VRChatAccountID,
			Username:   cfg.VRChatUsername,
			Password:   cfg.VRChatPassword,
			TOTPSecret: cfg.VRChatTOTPSecret,
		}); err != nil {
			slog.Error("credential provisioning failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("vrchat credential provisioned", slog.String("account", cfg.VRChatAccountID))
	}

	vrc := vrchat.New(cfg.VRChatBaseURL, cfg.VRChatUserAgent)

	manager := session.NewManager(store, vrc, session.Options{
		TTL:          cfg.SessionTTL,
		LoginTimeout: cfg.LoginTimeout,
		MaxRetries:   cfg.LoginMaxRetries,
		BackoffBase:  cfg.LoginBackoffBase,
	})
	manager.StartKeepalive(ctx, cfg.KeepaliveInterval, cfg.KeepaliveWindow)

	bot, err := discord.New(discord.Config{
		Token:       cfg.DiscordToken,
		GuildID:     cfg.DiscordGuildID,
		AccountID:   cfg.VRChatAccountID,
		CallTimeout: cfg.CallTimeout,
	}, store, manager, vrc)
	if err != nil {
		slog.Error("discord setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	go func() {
		if err := bot.Start(ctx); err != nil {
			slog.Error("discord bridge stopped", slog.Any("err", err))
			stop()
		}
	}()

	if strings.TrimSpace(os.Getenv("ENABLE_PPROF")) == "1" {
		go func() {
			slog.Info("pprof enabled", slog.String("addr", "localhost:6060"))
			//nolint:gosec // G114: local-only debug listener
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Warn("pprof server stopped", slog.Any("err", err))
			}
		}()
	}

	poolStat := func() (int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns()
	}
	handlers := server.NewHandlers(store, manager, poolStat, version)
	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
	if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
		os.Exit(1)
	}
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT (text|json).
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
