// Package oauth provides the HTTP layer of an OAuth 2.1 authorization
// server for public clients using the authorization code flow with PKCE.
//
// The package wires the protocol core in the server package to HTTP:
// the authorization endpoint with its consent page, the token endpoint
// with the authorization_code and refresh_token grants, RFC 7009 token
// revocation, RFC 8414 server metadata discovery, and a small token
// management surface for listing and removing a user's authorized
// devices.
//
// Handler is deliberately thin. Parameter validation, consent handling,
// code issuance, PKCE verification, and token rotation all live in the
// server package; Handler translates HTTP requests into calls on
// server.Server and protocol results back into HTTP responses.
package oauth
