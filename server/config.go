package server

import "log/slog"

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// SupportedScopes is the fixed scope vocabulary. Requested scopes are
	// filtered against it; a request whose surviving set is empty fails
	// with invalid_scope. Must be non-empty.
	SupportedScopes []string

	// MaxDeviceNameLength caps the user-chosen device label
	MaxDeviceNameLength int // default: 255

	// ClockSkewGracePeriod is the grace period for token expiration checks
	// (in seconds). Prevents false expiry errors from clock drift.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to pick the client IP out of
	// X-Forwarded-For.
	// Default: 1
	TrustedProxyCount int
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.MaxDeviceNameLength == 0 {
		config.MaxDeviceNameLength = 255
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	if config.TrustProxy {
		logger.Warn("trusting proxy headers for client IP extraction",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}
