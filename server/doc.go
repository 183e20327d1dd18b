// Package server implements the OAuth 2.1 authorization server core:
// authorization request validation, consent decisions, the
// authorization_code and refresh_token grants with mandatory PKCE (S256
// only), token rotation, and RFC 7009 revocation.
//
// The package is transport-agnostic. The root package provides the HTTP
// adapter; this package holds the protocol logic and talks to the storage
// interfaces.
package server
