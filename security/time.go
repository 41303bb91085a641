package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token
	// expiration checks. It prevents false expiration errors due to time
	// synchronization drift between the issuing and checking hosts.
	// 5 seconds handles typical NTP drift.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsTokenExpired checks if a token is expired with default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks if a token is expired with custom clock skew grace period
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false // No expiration
	}

	// Token is only expired once past expiry by more than the grace period
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon checks if a token will expire within the given threshold
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().Add(threshold).After(expiresAt)
}
