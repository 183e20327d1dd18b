package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// GenerateToken returns a cryptographically secure random token with 256
// bits of entropy, encoded as a 43-character base64url string. Used for
// authorization codes, access tokens, and refresh tokens.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// HashToken returns the lowercase hex SHA-256 digest of a token. Stores and
// lookups operate on this digest only; raw token values are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings in constant time to prevent
// timing side channels when matching secrets.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
