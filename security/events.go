package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Authorization flow events

	// EventConsentGranted is logged when a user approves a consent prompt
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a user denies a consent prompt
	EventConsentDenied = "consent_denied"

	// EventCodeIssued is logged when an authorization code is issued
	EventCodeIssued = "authorization_code_issued"

	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token pair is rotated via refresh_token grant
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token pair is revoked
	EventTokenRevoked = "token_revoked"

	// Security violation events

	// EventAuthFailure is logged when an authorization or grant fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidPKCE is logged when PKCE verification fails
	EventInvalidPKCE = "invalid_pkce"

	// EventInvalidRedirect is logged when an invalid redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"
)
