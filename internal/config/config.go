// Package config holds the environment-based configuration of the demo
// authorization server binary.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the server binary.
type Config struct {
	// Issuer is the public base URL of this server
	Issuer string `env:"OAUTH_ISSUER" envDefault:"http://localhost:8080"`

	// ListenAddr is the address the HTTP server binds to
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Environment controls log format (json in production)
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// StoragePath selects the bbolt database file. Empty runs fully
	// in-memory; all state is lost on restart.
	StoragePath string `env:"STORAGE_PATH"`

	// ConsentKey is the base64-encoded 32-byte AES key sealing consent
	// tokens. Empty generates an ephemeral key at startup, which breaks
	// in-flight consent round trips across restarts.
	ConsentKey string `env:"CONSENT_KEY"`

	// Token lifetimes in seconds. Zero falls back to the server defaults.
	AccessTokenTTL       int64 `env:"ACCESS_TOKEN_TTL"`
	AuthorizationCodeTTL int64 `env:"AUTHORIZATION_CODE_TTL"`

	// DisableRefreshRotation keeps refresh token values stable across
	// refreshes. Rotation is on by default.
	DisableRefreshRotation bool `env:"DISABLE_REFRESH_ROTATION" envDefault:"false"`

	// Proxy trust for client IP extraction
	TrustProxy        bool `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	// AllowInsecureHTTP permits a non-localhost http:// issuer
	AllowInsecureHTTP bool `env:"ALLOW_INSECURE_HTTP" envDefault:"false"`

	// Rate limiting per client IP
	RateLimitPerSecond int `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// AuditLog enables the security audit log
	AuditLog bool `env:"AUDIT_LOG" envDefault:"true"`

	// Clients pre-registers OAuth clients.
	// Format: "client1:secret1:https://app1/callback,client2:secret2:https://app2/callback"
	Clients string `env:"OAUTH_CLIENTS"`

	// Users pre-registers resource owners for the password grant and the
	// demo session resolver.
	// Format: "user1:password1,user2:password2"
	Users string `env:"OAUTH_USERS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing the configured client secrets to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Clients == "" {
		return fmt.Errorf("OAUTH_CLIENTS is required (no client registration endpoint exists)")
	}
	if c.TrustedProxyCount < 1 {
		return fmt.Errorf("TRUSTED_PROXY_COUNT must be at least 1")
	}
	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ClientEntry holds a pre-configured client parsed from OAUTH_CLIENTS.
// The secret is hashed before storage.
type ClientEntry struct {
	ClientID    string
	Secret      string
	RedirectURI string
}

const (
	// clientSecretMinLen is the minimum length for client secrets.
	// 16 characters is a conservative entropy floor for bcrypt-hashed
	// secrets of any format (hex, base64, passphrase).
	clientSecretMinLen = 16
)

// ParseClients parses the OAUTH_CLIENTS string.
// Format: "client1:secret1:redirect1,client2:secret2:redirect2"
func (c *Config) ParseClients() ([]ClientEntry, error) {
	seen := make(map[string]struct{})

	var entries []ClientEntry

	for _, triple := range strings.Split(c.Clients, ",") {
		triple = strings.TrimSpace(triple)
		if triple == "" {
			continue
		}

		parts := strings.SplitN(triple, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid client entry (want client_id:secret:redirect_uri)")
		}

		clientID, secret, redirectURI := parts[0], parts[1], parts[2]
		if clientID == "" || secret == "" || redirectURI == "" {
			return nil, fmt.Errorf("empty field in client entry %d", len(entries)+1)
		}

		if len(secret) < clientSecretMinLen {
			return nil, fmt.Errorf("client secret too short in entry %d (minimum %d characters)", len(entries)+1, clientSecretMinLen)
		}

		if _, dup := seen[clientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in OAUTH_CLIENTS", clientID)
		}

		seen[clientID] = struct{}{}
		entries = append(entries, ClientEntry{ClientID: clientID, Secret: secret, RedirectURI: redirectURI})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("OAUTH_CLIENTS contains no client entries")
	}

	return entries, nil
}

// UserEntry holds a pre-configured resource owner parsed from OAUTH_USERS.
type UserEntry struct {
	Username string
	Password string
}

// ParseUsers parses the OAUTH_USERS string.
// Format: "user1:password1,user2:password2"
func (c *Config) ParseUsers() ([]UserEntry, error) {
	if c.Users == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []UserEntry

	for _, pair := range strings.Split(c.Users, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]
		password := pair[idx+1:]
		if username == "" || password == "" {
			return nil, fmt.Errorf("empty username or password in entry %d", len(entries)+1)
		}

		if _, dup := seen[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in OAUTH_USERS", username)
		}

		seen[username] = struct{}{}
		entries = append(entries, UserEntry{Username: username, Password: password})
	}

	return entries, nil
}
