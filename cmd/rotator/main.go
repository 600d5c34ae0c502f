package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yansir/cc-rotator/internal/account"
	"github.com/yansir/cc-rotator/internal/config"
	"github.com/yansir/cc-rotator/internal/events"
	"github.com/yansir/cc-rotator/internal/pool"
	"github.com/yansir/cc-rotator/internal/refresher"
	"github.com/yansir/cc-rotator/internal/rotation"
	"github.com/yansir/cc-rotator/internal/server"
	"github.com/yansir/cc-rotator/internal/store"
	"github.com/yansir/cc-rotator/internal/upstream"
)

var version = "dev"

// Exit codes: 1 bad configuration, 2 store initialization failure, 3 empty
// pool with hot reload disabled.
const (
	exitConfig    = 1
	exitStore     = 2
	exitEmptyPool = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		return exitConfig
	}

	// Setup logging with ring buffer handler
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("cc-rotator starting", "version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		slog.Error("data dir init failed", "path", cfg.DataDir, "error", err)
		return exitStore
	}

	crypto, err := account.NewCrypto(cfg.EncryptionKey)
	if err != nil {
		slog.Error("key derivation failed", "error", err)
		return exitConfig
	}

	// Open SQLite database
	st, err := store.New(cfg.StorePath(), crypto)
	if err != nil {
		slog.Error("database init failed", "error", err)
		return exitStore
	}
	defer st.Close()
	slog.Info("database ready", "path", cfg.StorePath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Import the plaintext accounts file, then load the pool
	imported, err := st.MigrateLegacyAccounts(ctx, cfg.LegacyAccountsFile)
	if err != nil {
		slog.Error("legacy accounts import failed", "path", cfg.LegacyAccountsFile, "error", err)
		return exitStore
	}
	if imported > 0 {
		slog.Info("legacy accounts imported", "count", imported)
	}

	bus := events.NewBus(200)
	p := pool.New(st, bus)
	if err := p.Load(ctx); err != nil {
		slog.Error("pool load failed", "error", err)
		return exitStore
	}
	if p.Len() == 0 && !cfg.WatchAccountsFile {
		slog.Error("no accounts configured and hot reload disabled",
			"accounts_file", cfg.LegacyAccountsFile)
		return exitEmptyPool
	}
	slog.Info("pool loaded", "accounts", p.Len())

	oauth := account.NewOAuthClient(account.OAuthOptions{
		TokenURL:     cfg.OAuthTokenURL,
		AuthorizeURL: cfg.OAuthAuthorizeURL,
		ClientID:     cfg.OAuthClientID,
		RedirectURI:  cfg.OAuthRedirectURI,
		Scope:        cfg.OAuthScope,
		Timeout:      cfg.OAuthTimeout,
	})

	forwarder, err := upstream.NewForwarder(upstream.Options{
		BaseURL:        cfg.UpstreamBaseURL,
		ProxyURL:       cfg.OutboundProxy,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		slog.Error("upstream init failed", "error", err)
		return exitConfig
	}
	defer forwarder.CloseIdleConnections()

	// Refresh scheduler
	ref := refresher.New(p, oauth, bus, refresher.Options{
		Lead:        cfg.RefreshLeadTime,
		Concurrency: cfg.RefreshConcurrency,
	})
	ref.Start()
	defer ref.Stop(5 * time.Second)

	// Accounts file watcher
	if cfg.WatchAccountsFile {
		watcher, err := pool.NewWatcher(cfg.LegacyAccountsFile, p, st)
		if err != nil {
			slog.Warn("accounts file watcher disabled", "error", err)
		} else {
			go watcher.Run(ctx)
			defer watcher.Close()
		}
	}

	rot := rotation.NewHandler(p, forwarder, ref, rotation.Options{
		MaxAttempts:       cfg.MaxRotationAttempts,
		RateLimitFallback: cfg.RateLimitFallback,
	})

	srv := server.New(cfg, st, p, oauth, rot, bus, logHandler)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}
