package server

import (
	"log/slog"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	// Clients may carry a per-client override.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// PendingAuthorizationTTL is how long a sealed consent token stays
	// valid between validation and the consent decision
	PendingAuthorizationTTL int64 // seconds, default: 600 (10 minutes)

	// RotateRefreshTokens replaces the refresh token on every refresh
	// grant. The previous access and refresh values are invalidated.
	// Default: true (secure by default)
	RotateRefreshTokens bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP from
	// X-Forwarded-For.
	// Default: 1
	TrustedProxyCount int

	// ClockSkewGracePeriod is the grace period for token expiration
	// checks (in seconds). Prevents false expiration errors due to time
	// synchronization drift.
	// Default: 5 seconds
	ClockSkewGracePeriod int64

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// Never enable in production.
	// Default: false
	AllowInsecureHTTP bool
}

// applySecureDefaults applies secure-by-default configuration values.
// This follows the principle: secure by default, opt-in for less secure options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 600 // 10 minutes
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RotateRefreshTokens &&
		!config.TrustProxy &&
		!config.AllowInsecureHTTP

	if isDefaultConfig {
		config.RotateRefreshTokens = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RotateRefreshTokens {
		logger.Warn("Refresh token rotation is DISABLED",
			"risk", "A stolen refresh token stays valid until expiry",
			"recommendation", "Set RotateRefreshTokens=true")
	}
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP extraction",
			"risk", "IP spoofing if the proxy chain is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("Insecure HTTP issuer is ALLOWED",
			"risk", "Tokens and credentials exposed to network interception",
			"recommendation", "Use HTTPS for all non-localhost deployments")
	}
}
