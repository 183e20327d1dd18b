package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period for token
// expiration checks. It prevents false expiration errors caused by clock
// drift between systems; 5 seconds covers typical NTP drift without
// meaningfully extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a token is expired with the default clock skew
// grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks if a token is expired with a custom
// clock skew grace period.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	return IsTokenExpiredAt(time.Now(), expiresAt, gracePeriod)
}

// IsTokenExpiredAt reports whether a token is expired relative to an
// explicit instant, with a clock skew grace period. Callers with an
// injectable clock use this instead of the time.Now variants.
func IsTokenExpiredAt(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
