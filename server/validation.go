package server

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/taskhub/oauth/security"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength  = 43
	MaxCodeVerifierLength  = 128
	MinCodeChallengeLength = 43
	MaxCodeChallengeLength = 128
	PKCEMethodS256         = "S256"
)

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// AuthorizationRequest carries the raw parameters of an authorization
// request. The same struct is validated on both the GET entry and the
// consent POST, so hidden form fields are never trusted without
// re-checking.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidatedAuthorization is the result of a successful validation pass.
type ValidatedAuthorization struct {
	Client              *Client
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizationRequest checks every parameter of an authorization
// request against the allow-list, the loopback redirect policy, the PKCE
// shape requirements, and the scope vocabulary. It is the single shared
// validation path for the GET entry and the consent POST.
//
// Error codes follow RFC 6749: unknown client is invalid_client, a
// response_type other than "code" is unsupported_response_type, a missing
// or non-loopback redirect_uri and any PKCE shape problem are
// invalid_request, and an empty surviving scope set is invalid_scope.
func (s *Server) ValidateAuthorizationRequest(req *AuthorizationRequest) (*ValidatedAuthorization, *Error) {
	client := s.clients.Lookup(req.ClientID)
	if client == nil {
		return nil, ErrInvalidClient("unknown client_id")
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType("response_type must be 'code'")
	}

	if err := validateRedirectURI(req.RedirectURI); err != nil {
		return nil, err
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	scopes := filterScopes(req.Scope, s.Config.SupportedScopes)
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("no recognized scopes requested")
	}

	return &ValidatedAuthorization{
		Client:              client,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}, nil
}

// validateRedirectURI enforces the loopback-only redirect policy for
// public clients. The clients served here run a local listener; rejecting
// non-loopback hosts closes an open-redirect / token-leak vector.
func validateRedirectURI(redirectURI string) *Error {
	if redirectURI == "" {
		return ErrInvalidRequest("redirect_uri is required")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return ErrInvalidRequest("malformed redirect_uri")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidRequest("redirect_uri scheme must be http or https")
	}

	// redirect_uri must not carry fragments (OAuth 2.0 Security BCP)
	if parsed.Fragment != "" {
		return ErrInvalidRequest("redirect_uri must not contain a fragment")
	}

	if !isLoopbackHost(parsed.Hostname()) {
		return ErrInvalidRequest("redirect_uri host must be localhost or 127.0.0.1")
	}

	return nil
}

// isLoopbackHost reports whether a redirect host is an accepted loopback
// name. The policy is deliberately exact-match.
func isLoopbackHost(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1"
}

// validateCodeChallenge checks the PKCE commitment parameters. PKCE is
// mandatory; the method must be S256 since the challenge must be a one-way
// function of the verifier. "plain" is rejected fail-closed.
func validateCodeChallenge(challenge, method string) *Error {
	if challenge == "" {
		return ErrInvalidRequest("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return ErrInvalidRequest("code_challenge_method must be S256")
	}
	if len(challenge) < MinCodeChallengeLength || len(challenge) > MaxCodeChallengeLength {
		return ErrInvalidRequest("code_challenge has invalid length")
	}
	if !isValidPKCEString(challenge) {
		return ErrInvalidRequest("code_challenge contains invalid characters")
	}
	return nil
}

// filterScopes parses a space-separated scope string and keeps only the
// scopes in the vocabulary, deduplicated, in request order.
func filterScopes(scope string, vocabulary []string) []string {
	requested := strings.Fields(scope)
	if len(requested) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(vocabulary))
	for _, v := range vocabulary {
		allowed[v] = true
	}

	var scopes []string
	seen := make(map[string]bool, len(requested))
	for _, sc := range requested {
		if allowed[sc] && !seen[sc] {
			scopes = append(scopes, sc)
			seen[sc] = true
		}
	}
	return scopes
}

// verifyPKCE checks a code_verifier against the stored challenge per
// RFC 7636: base64url(SHA256(verifier)) must equal the challenge exactly.
// Returns false for any shape violation; never reports why.
func verifyPKCE(challenge, method, verifier string) bool {
	if method != PKCEMethodS256 {
		return false
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return false
	}
	if !isValidPKCEString(verifier) {
		return false
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	return security.ConstantTimeEquals(computed, challenge)
}

// isValidPKCEString reports whether s contains only the unreserved
// characters RFC 7636 permits: [A-Za-z0-9-._~].
func isValidPKCEString(s string) bool {
	for _, ch := range s {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}

// validateDeviceName checks the user-chosen device label from the consent
// form.
func (s *Server) validateDeviceName(deviceName string) *Error {
	if strings.TrimSpace(deviceName) == "" {
		return ErrInvalidRequest("device_name is required")
	}
	if len(deviceName) > s.Config.MaxDeviceNameLength {
		return ErrInvalidRequest("device_name is too long")
	}
	return nil
}
