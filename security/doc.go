// Package security provides security-related functionality for the
// authorization server: per-IP rate limiting, audit logging with PII
// hashing, token generation and hashing, client IP extraction, request ID
// propagation, and secure response headers.
//
// # Rate Limiting
//
// RateLimiter implements per-identifier token bucket limiting with LRU
// eviction so memory stays bounded under distributed abuse:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// GetStats exposes entry counts and eviction totals for monitoring.
//
// # Tokens
//
// GenerateToken produces 256-bit URL-safe random strings used for
// authorization codes and both token types. HashToken produces the SHA-256
// hex digest under which tokens are stored; raw values are never persisted.
package security
