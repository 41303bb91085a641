package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/cloverleaf/oauth-provider/instrumentation"
	"github.com/cloverleaf/oauth-provider/providers"
	"github.com/cloverleaf/oauth-provider/scope"
	"github.com/cloverleaf/oauth-provider/security"
	"github.com/cloverleaf/oauth-provider/storage"
)

// Server implements the OAuth 2.0 authorization server logic.
// It coordinates validation, consent, grants, and introspection over the
// storage backends and the host application's providers.
type Server struct {
	clients       storage.ClientStore
	tokens        storage.TokenStore
	codes         storage.CodeStore
	catalog       *scope.Catalog
	authenticator providers.Authenticator
	resources     providers.ResourceProvider

	Encryptor       *security.Encryptor
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config
}

// New creates a new OAuth server. The consent token encryptor is seeded
// with an ephemeral key; call SetEncryptor with a configured key when
// pending authorizations must survive restarts or span instances.
func New(
	clients storage.ClientStore,
	tokens storage.TokenStore,
	codes storage.CodeStore,
	catalog *scope.Catalog,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("scope catalog is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	key, err := security.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating consent token key: %w", err)
	}
	encryptor, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("creating consent token encryptor: %w", err)
	}

	srv := &Server{
		clients:   clients,
		tokens:    tokens,
		codes:     codes,
		catalog:   catalog,
		Encryptor: encryptor,
		Config:    config,
		Logger:    logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetEncryptor sets the consent token encryptor
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc
}

// SetAuthenticator sets the resource owner authenticator used by the
// password grant
func (s *Server) SetAuthenticator(a providers.Authenticator) {
	s.authenticator = a
}

// SetResourceProvider sets the resource provider backing the
// introspection endpoints
func (s *Server) SetResourceProvider(rp providers.ResourceProvider) {
	s.resources = rp
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// GetClient retrieves a registered client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// Catalog returns the scope catalog
func (s *Server) Catalog() *scope.Catalog {
	return s.catalog
}

// validateHTTPSEnforcement ensures the issuer uses HTTPS outside localhost
// development. OAuth over plain HTTP exposes every token and credential to
// network interception.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got http://%s); set AllowInsecureHTTP=true only for controlled environments",
				issuerURL.Hostname(),
			)
		}
		s.Logger.Error("Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// the localhost name, 0.0.0.0, and any loopback IP (IPv4 or IPv6).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string with 256 bits of entropy.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
