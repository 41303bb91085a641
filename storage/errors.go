package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match these
// with errors.Is; backends wrap them with %w to add detail.
var (
	// ErrClientNotFound is returned when a client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret is returned when a client secret does not match
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrTokenNotFound is returned when a token value is unknown or revoked
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a token exists but is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrCodeNotFound is returned when an authorization code is unknown
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired is returned when an authorization code is past its expiry
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeConsumed is returned when an authorization code is presented a
	// second time. Callers should treat this as a possible replay attack.
	ErrCodeConsumed = errors.New("authorization code already consumed")
)
