// Command oauth-provider runs a standalone OAuth 2.0 authorization server
// configured entirely from the environment. Clients and users are
// pre-registered via OAUTH_CLIENTS and OAUTH_USERS; state lives in memory
// or in a bbolt file depending on STORAGE_PATH.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloverleaf/oauth-provider"
	"github.com/cloverleaf/oauth-provider/instrumentation"
	"github.com/cloverleaf/oauth-provider/internal/config"
	"github.com/cloverleaf/oauth-provider/providers"
	"github.com/cloverleaf/oauth-provider/providers/static"
	"github.com/cloverleaf/oauth-provider/scope"
	"github.com/cloverleaf/oauth-provider/security"
	"github.com/cloverleaf/oauth-provider/server"
	"github.com/cloverleaf/oauth-provider/storage"
	"github.com/cloverleaf/oauth-provider/storage/bolt"
	"github.com/cloverleaf/oauth-provider/storage/memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	clients, tokens, codes, cleanup, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	catalog := defaultCatalog()

	srv, err := server.New(clients, tokens, codes, catalog, &server.Config{
		Issuer:               cfg.Issuer,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
		RotateRefreshTokens:  !cfg.DisableRefreshRotation,
		TrustProxy:           cfg.TrustProxy,
		TrustedProxyCount:    cfg.TrustedProxyCount,
		AllowInsecureHTTP:    cfg.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.ConsentKey != "" {
		key, err := security.KeyFromBase64(cfg.ConsentKey)
		if err != nil {
			return fmt.Errorf("CONSENT_KEY: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return err
		}
		srv.SetEncryptor(enc)
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditLog))

	limiter := security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
	defer limiter.Stop()
	srv.SetRateLimiter(limiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-provider",
		Enabled:     true,
	})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	if mem, ok := clients.(*memory.Store); ok {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { c, _, _ := mem.Counts(); return c },
			func() int64 { _, t, _ := mem.Counts(); return t },
			func() int64 { _, _, c := mem.Counts(); return c },
		)
		if err != nil {
			logger.Warn("Failed to register storage gauges", "error", err)
		}
	}

	if err := seedClients(cfg, clients, logger); err != nil {
		return err
	}

	users, err := buildUserProvider(cfg)
	if err != nil {
		return err
	}
	if users != nil {
		srv.SetAuthenticator(users)
		srv.SetResourceProvider(users)
	}

	handler := oauth.NewHandler(srv, logger)
	if users != nil {
		// Demo session resolution: the authorize endpoint authenticates
		// the browser user via HTTP Basic auth against the static user
		// set. Real deployments replace this with their session system.
		handler.SetSessionResolver(func(r *http.Request) (*providers.User, error) {
			username, password, ok := r.BasicAuth()
			if !ok {
				return nil, nil
			}
			user, err := users.Authenticate(r.Context(), username, password)
			if errors.Is(err, providers.ErrInvalidCredentials) {
				return nil, nil
			}
			return user, err
		})
	}

	mux := http.NewServeMux()
	handler.Routes(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("OAuth server listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openStores selects the storage backend. The returned cleanup must run
// at shutdown.
func openStores(cfg *config.Config, logger *slog.Logger) (storage.ClientStore, storage.TokenStore, storage.CodeStore, func(), error) {
	if cfg.StoragePath == "" {
		logger.Info("Using in-memory storage (state is lost on restart)")
		store := memory.New()
		return store, store, store, store.Stop, nil
	}

	store, err := bolt.Open(cfg.StoragePath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	logger.Info("Using bbolt storage", "path", cfg.StoragePath)
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}
	return store, store, store, cleanup, nil
}

// defaultCatalog is the scope set the demo binary hands out.
func defaultCatalog() *scope.Catalog {
	return scope.NewCatalog(
		scope.Scope{
			Code:        "profile",
			Description: "Your user id and display name",
			Fields:      map[string][]string{"user": {"id", "name"}},
		},
		scope.Scope{
			Code:        "email",
			Description: "Your email address",
			Fields:      map[string][]string{"user": {"id", "email"}},
		},
	)
}

func seedClients(cfg *config.Config, store storage.ClientStore, logger *slog.Logger) error {
	entries, err := cfg.ParseClients()
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, entry := range entries {
		hash, err := static.HashPassword(entry.Secret)
		if err != nil {
			return fmt.Errorf("hashing secret for client %q: %w", entry.ClientID, err)
		}
		client := &storage.Client{
			ID:           entry.ClientID,
			SecretHash:   hash,
			Confidential: true,
			RedirectURIs: []string{entry.RedirectURI},
			GrantTypes: []string{
				server.GrantTypeAuthorizationCode,
				server.GrantTypeRefreshToken,
				server.GrantTypeClientCredentials,
				server.GrantTypePassword,
			},
			Scopes:    []string{"profile", "email"},
			Name:      entry.ClientID,
			CreatedAt: time.Now(),
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("registering client %q: %w", entry.ClientID, err)
		}
		logger.Info("Registered client", "client_id", entry.ClientID)
	}
	return nil
}

func buildUserProvider(cfg *config.Config) (*static.Provider, error) {
	entries, err := cfg.ParseUsers()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	records := make([]static.UserRecord, 0, len(entries))
	for _, entry := range entries {
		hash, err := static.HashPassword(entry.Password)
		if err != nil {
			return nil, fmt.Errorf("hashing password for user %q: %w", entry.Username, err)
		}
		records = append(records, static.UserRecord{
			ID:           "user-" + entry.Username,
			Username:     entry.Username,
			PasswordHash: hash,
			Name:         entry.Username,
			Email:        entry.Username + "@example.com",
		})
	}
	return static.New(records)
}
