package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/taskhub/oauth/security"
	"github.com/taskhub/oauth/storage"
)

// ConsentDecision is the outcome of the consent form.
type ConsentDecision struct {
	// Approved is true when the user chose to authorize the client.
	Approved bool

	// DeviceName is the user-chosen label for this authorization.
	// Required when Approved.
	DeviceName string
}

// FinishAuthorization turns a consent decision into a redirect back to the
// client. Every request parameter is re-validated; hidden form fields are
// never trusted. On approval a single-use authorization code is created
// and the redirect carries code (+ state); on denial it carries
// error=access_denied (+ state) and no code is ever created.
//
// A *Error return means the request itself was invalid and no redirect to
// the client is safe; any other error is a storage failure.
func (s *Server) FinishAuthorization(ctx context.Context, userID, clientIP string, req *AuthorizationRequest, decision ConsentDecision) (string, error) {
	validated, oauthErr := s.ValidateAuthorizationRequest(req)
	if oauthErr != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(userID, req.ClientID, clientIP, oauthErr.Code)
		}
		return "", oauthErr
	}

	if !decision.Approved {
		if s.Auditor != nil {
			s.Auditor.LogConsentDecision(userID, validated.Client.ID, clientIP, false, validated.Scopes)
		}
		return errorRedirectURL(validated.RedirectURI, ErrorCodeAccessDenied, validated.State), nil
	}

	if oauthErr := s.validateDeviceName(decision.DeviceName); oauthErr != nil {
		return "", oauthErr
	}

	now := s.now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		UserID:              userID,
		ClientID:            validated.Client.ID,
		DeviceName:          decision.DeviceName,
		RedirectURI:         validated.RedirectURI,
		Scopes:              validated.Scopes,
		CodeChallenge:       validated.CodeChallenge,
		CodeChallengeMethod: validated.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.codeStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Logger.Info("authorization code issued",
		"client_id", validated.Client.ID,
		"scope", strings.Join(validated.Scopes, " "),
		"code_prefix", safeTruncate(authCode.Code, 8))

	if s.Auditor != nil {
		s.Auditor.LogConsentDecision(userID, validated.Client.ID, clientIP, true, validated.Scopes)
		s.Auditor.LogCodeIssued(userID, validated.Client.ID, clientIP, decision.DeviceName)
	}

	return codeRedirectURL(validated.RedirectURI, authCode.Code, validated.State), nil
}

// ExchangeAuthorizationCode implements the authorization_code grant. The
// code is consumed atomically before anything else is checked, so two
// concurrent exchanges of the same code race to exactly one winner and
// every failure after consumption burns the code. All client-visible
// failures collapse to invalid_grant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier, clientIP string) (*oauth2.Token, string, error) {
	if code == "" || codeVerifier == "" {
		return nil, "", ErrInvalidRequest("code and code_verifier are required")
	}

	authCode, err := s.codeStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if err == storage.ErrNotFound {
			// Not found and already-used are deliberately identical.
			s.Logger.Debug("authorization code not found",
				"client_id", clientID,
				"code_prefix", safeTruncate(code, 8))
			s.logAuthFailure("", clientID, clientIP, "invalid_authorization_code")
			return nil, "", ErrInvalidGrant("invalid authorization code")
		}
		return nil, "", fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if security.IsTokenExpiredAt(s.now(), authCode.ExpiresAt, s.skewGrace()) {
		s.logAuthFailure(authCode.UserID, clientID, clientIP, "authorization_code_expired")
		return nil, "", ErrInvalidGrant("invalid authorization code")
	}

	if authCode.ClientID != clientID {
		s.Logger.Debug("authorization code client mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID)
		s.logAuthFailure(authCode.UserID, clientID, clientIP, "client_id_mismatch")
		return nil, "", ErrInvalidGrant("invalid authorization code")
	}

	// When redirect_uri is supplied it must equal the stored value exactly.
	if redirectURI != "" && redirectURI != authCode.RedirectURI {
		s.logAuthFailure(authCode.UserID, clientID, clientIP, "redirect_uri_mismatch")
		return nil, "", ErrInvalidGrant("invalid authorization code")
	}

	if !verifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier) {
		// PKCE failure is reported as invalid_grant, not something more
		// specific, so an attacker cannot distinguish "wrong verifier"
		// from "wrong code".
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidPKCE,
				UserID:    authCode.UserID,
				ClientID:  clientID,
				IPAddress: clientIP,
			})
		}
		s.logAuthFailure(authCode.UserID, clientID, clientIP, "pkce_verification_failed")
		return nil, "", ErrInvalidGrant("invalid authorization code")
	}

	token, pair, err := s.issueTokenPair(ctx, authCode.UserID, authCode.ClientID, authCode.DeviceName, authCode.Scopes)
	if err != nil {
		return nil, "", err
	}

	scope := strings.Join(pair.Scopes, " ")

	s.Logger.Info("token pair issued",
		"client_id", clientID,
		"device_name", pair.DeviceName,
		"scope", scope)

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, clientIP, scope)
	}

	return token, scope, nil
}

// RefreshAccessToken implements the refresh_token grant with mandatory
// rotation. The stored row is updated in a single conditional statement
// keyed on the presented token's hash, so a stale refresh token (already
// rotated, revoked, or guessed) is indistinguishable from one that never
// existed.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientIP string) (*oauth2.Token, string, error) {
	if refreshToken == "" {
		return nil, "", ErrInvalidRequest("refresh_token is required")
	}

	oldHash := security.HashToken(refreshToken)

	newAccessToken := generateRandomToken()
	newRefreshToken := generateRandomToken()

	now := s.now()
	accessExpiry := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)
	refreshExpiry := now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)

	// The expiry cutoff trails now by the clock skew grace period, so a
	// refresh token stays usable until its stored expiry plus grace.
	pair, err := s.tokenStore.RotateTokenPair(ctx, oldHash,
		security.HashToken(newAccessToken), security.HashToken(newRefreshToken),
		accessExpiry, refreshExpiry, now.Add(-s.skewGrace()))
	if err != nil {
		if err == storage.ErrNotFound {
			s.logAuthFailure("", clientID, clientIP, "refresh_token_not_found")
			return nil, "", ErrInvalidGrant("invalid refresh token")
		}
		return nil, "", fmt.Errorf("failed to rotate token pair: %w", err)
	}

	if clientID != "" && pair.ClientID != clientID {
		// The rotation already happened; the presented token was valid
		// for some client, just not this one. Drop the pair entirely so
		// neither party keeps a usable credential.
		if delErr := s.tokenStore.DeleteTokenPair(ctx, pair.ID, pair.UserID); delErr != nil && delErr != storage.ErrNotFound {
			s.Logger.Error("failed to delete token pair after client mismatch", "error", delErr)
		}
		s.logAuthFailure(pair.UserID, clientID, clientIP, "refresh_token_client_mismatch")
		return nil, "", ErrInvalidGrant("invalid refresh token")
	}

	scope := strings.Join(pair.Scopes, " ")

	token := &oauth2.Token{
		AccessToken:  newAccessToken,
		TokenType:    "Bearer",
		RefreshToken: newRefreshToken,
		Expiry:       accessExpiry,
	}

	s.Logger.Info("token pair rotated",
		"client_id", pair.ClientID,
		"device_name", pair.DeviceName)

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(pair.UserID, pair.ClientID, clientIP)
	}

	return token, scope, nil
}

// RevokeToken invalidates the token pair matching the presented token by
// either half of its value. Per RFC 7009 an unknown token is not an
// error; the caller always answers 200.
func (s *Server) RevokeToken(ctx context.Context, token, clientIP string) error {
	if token == "" {
		return nil
	}

	hash := security.HashToken(token)

	err := s.tokenStore.RevokeTokenByHash(ctx, hash)
	found := err == nil
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.Logger.Info("revocation processed",
		"found", found,
		"token_prefix", safeTruncate(token, 8))

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked("", clientIP, found)
	}

	return nil
}

// ListAuthorizedDevices returns the live token pairs for a user, for an
// "authorized apps" management view. Token hashes are not exposed to
// callers of the HTTP layer; the records are returned whole for internal
// use.
func (s *Server) ListAuthorizedDevices(ctx context.Context, userID string) ([]*storage.TokenPair, error) {
	pairs, err := s.tokenStore.ListUserTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user tokens: %w", err)
	}
	return pairs, nil
}

// RemoveAuthorizedDevice deletes a user's token pair by ID. Removing an
// unknown or foreign ID is reported as invalid_request.
func (s *Server) RemoveAuthorizedDevice(ctx context.Context, userID, pairID string) error {
	if pairID == "" {
		return ErrInvalidRequest("token pair id is required")
	}
	err := s.tokenStore.DeleteTokenPair(ctx, pairID, userID)
	if err == storage.ErrNotFound {
		return ErrInvalidRequest("unknown token pair")
	}
	if err != nil {
		return fmt.Errorf("failed to delete token pair: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked("", "", true)
	}
	return nil
}

// issueTokenPair mints fresh access and refresh tokens, stores their
// hashes, and returns the raw values. The raw tokens exist only in the
// returned response.
func (s *Server) issueTokenPair(ctx context.Context, userID, clientID, deviceName string, scopes []string) (*oauth2.Token, *storage.TokenPair, error) {
	accessToken := generateRandomToken()
	refreshToken := generateRandomToken()

	now := s.now()
	pair := &storage.TokenPair{
		ID:               uuid.NewString(),
		UserID:           userID,
		ClientID:         clientID,
		DeviceName:       deviceName,
		Scopes:           scopes,
		AccessTokenHash:  security.HashToken(accessToken),
		RefreshTokenHash: security.HashToken(refreshToken),
		CreatedAt:        now,
		AccessExpiresAt:  now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
		RefreshExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}

	if err := s.tokenStore.SaveTokenPair(ctx, pair); err != nil {
		return nil, nil, fmt.Errorf("failed to save token pair: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       pair.AccessExpiresAt,
	}
	return token, pair, nil
}

// logAuthFailure records an audit event when an auditor is configured.
func (s *Server) logAuthFailure(userID, clientID, clientIP, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userID, clientID, clientIP, reason)
	}
}

// codeRedirectURL builds the success redirect carrying code and state.
func codeRedirectURL(redirectURI, code, state string) string {
	q := url.Values{}
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

// errorRedirectURL builds an error redirect carrying the OAuth error code
// and state.
func errorRedirectURL(redirectURI, errorCode, state string) string {
	q := url.Values{}
	q.Set("error", errorCode)
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

func appendQuery(rawURL string, q url.Values) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		// The URI was validated before any caller builds a redirect.
		return rawURL
	}
	existing := parsed.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Set(k, v)
		}
	}
	parsed.RawQuery = existing.Encode()
	return parsed.String()
}
