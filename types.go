package oauth

import "time"

// tokenTypeBearer is the token_type value for all issued tokens
const tokenTypeBearer = "Bearer"

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414) as served from the discovery endpoint.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the RFC 7009 revocation endpoint
	RevocationEndpoint string `json:"revocation_endpoint"`

	// ResponseTypesSupported lists supported response types ("code" only)
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists supported grant types
	GrantTypesSupported []string `json:"grant_types_supported"`

	// CodeChallengeMethodsSupported lists PKCE methods ("S256" only)
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// TokenEndpointAuthMethodsSupported is "none" for public clients
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// ScopesSupported lists the fixed scope vocabulary
	ScopesSupported []string `json:"scopes_supported"`
}

// TokenResponse is the success payload of the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is the RFC 6749 error payload
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizedDevice describes one live authorization of a user, shaped
// for the token management endpoints. Token hashes never leave the
// storage layer.
type AuthorizedDevice struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	DeviceName string    `json:"device_name"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DeviceListResponse is the payload of the device listing endpoint
type DeviceListResponse struct {
	Devices []AuthorizedDevice `json:"devices"`
}
