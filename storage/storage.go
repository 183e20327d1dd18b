// Package storage defines interfaces for persisting authorization codes and
// token pairs. It supports various backend implementations including
// in-memory and SQLite.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist. Conditional
// operations (ConsumeAuthorizationCode, RotateTokenPair) also return it when
// another caller won the race, so callers cannot distinguish "never existed"
// from "already consumed".
var ErrNotFound = errors.New("storage: not found")

// CodeStore defines the interface for single-use authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode persists an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and removes an
	// authorization code. Returns ErrNotFound if the code does not exist
	// or was already consumed.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks. Exactly one of N concurrent callers receives the
	// code; the rest receive ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteExpiredCodes removes codes whose expiry is at or before now.
	// Returns the number of codes removed.
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error)
}

// TokenStore defines the interface for access/refresh token pairs.
// Raw token values never reach this layer; callers store SHA-256 hashes.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveTokenPair persists a new token pair.
	SaveTokenPair(ctx context.Context, pair *TokenPair) error

	// GetTokenPairByAccessHash retrieves a pair by its access token hash.
	// Returns ErrNotFound if no pair matches.
	GetTokenPairByAccessHash(ctx context.Context, accessHash string) (*TokenPair, error)

	// RotateTokenPair atomically replaces the hashes and expiries of the
	// pair whose current refresh token hash equals oldRefreshHash and
	// whose refresh expiry is after cutoff. Identity fields (user, client,
	// device, scopes) are preserved. Callers subtract any clock skew
	// allowance from the current time before passing cutoff. Returns the
	// updated pair, or ErrNotFound if no live pair matches oldRefreshHash;
	// a match at or before cutoff is dropped and reported as ErrNotFound.
	// SECURITY: This operation MUST be atomic. Of N concurrent rotations
	// presenting the same refresh token, exactly one succeeds.
	RotateTokenPair(ctx context.Context, oldRefreshHash, newAccessHash, newRefreshHash string, accessExpiresAt, refreshExpiresAt, cutoff time.Time) (*TokenPair, error)

	// RevokeTokenByHash deletes any pair whose access or refresh token hash
	// equals hash. Returns ErrNotFound if no pair matches.
	RevokeTokenByHash(ctx context.Context, hash string) error

	// ListUserTokens returns all pairs belonging to userID, most recently
	// issued first.
	ListUserTokens(ctx context.Context, userID string) ([]*TokenPair, error)

	// DeleteTokenPair removes the pair with the given ID if it belongs to
	// userID. Returns ErrNotFound otherwise.
	DeleteTokenPair(ctx context.Context, id, userID string) error

	// DeleteExpiredTokens removes pairs whose refresh expiry is at or
	// before now. Returns the number of pairs removed.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// AuthorizationCode represents an issued, not-yet-exchanged authorization
// code. Code is the primary key; a code is removed the moment it is
// exchanged.
type AuthorizationCode struct {
	Code                string
	UserID              string
	ClientID            string
	DeviceName          string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// TokenPair represents an issued access/refresh token pair. Only SHA-256
// hex hashes of the tokens are stored; the raw values exist solely in the
// token endpoint response.
type TokenPair struct {
	ID               string
	UserID           string
	ClientID         string
	DeviceName       string
	Scopes           []string
	AccessTokenHash  string
	RefreshTokenHash string
	CreatedAt        time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
