package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is replaced via a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventAuthorizationValidated is logged when an authorization request passes validation
	EventAuthorizationValidated = "authorization_validated"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the resource owner denies consent
	EventAuthorizationDenied = "authorization_denied"

	// EventCodeReuseDetected is logged when an authorization code is presented twice (attack)
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// Security violation events

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventConsentTokenRejected is logged when a consent token fails to decrypt or is expired
	EventConsentTokenRejected = "consent_token_rejected"

	// EventScopeEscalationAttempt is logged when a refresh requests scopes beyond the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
