package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/taskhub/oauth/instrumentation"
	"github.com/taskhub/oauth/internal/util"
	"github.com/taskhub/oauth/security"
	"github.com/taskhub/oauth/server"
)

// Handler is a thin HTTP adapter for the authorization server core.
// It handles HTTP requests and delegates to server.Server for the
// protocol logic.
type Handler struct {
	server   *server.Server
	sessions SessionProvider
	config   HandlerConfig
	logger   *slog.Logger

	ipLimiter *security.RateLimiter

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler. sessions resolves the
// authenticated user behind authorization and token management requests.
func NewHandler(srv *server.Server, sessions SessionProvider, config HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session provider is required")
	}
	if config.LoginURL == "" {
		return nil, fmt.Errorf("login URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	return &Handler{
		server:    srv,
		sessions:  sessions,
		config:    config,
		logger:    logger,
		ipLimiter: security.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst, logger),
	}, nil
}

// SetInstrumentation enables OpenTelemetry tracing and metrics on the
// HTTP layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// Close stops the handler's background goroutines.
func (h *Handler) Close() {
	h.ipLimiter.Stop()
}

// RegisterRoutes registers every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeMetadata)
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorization)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeRevocation)
	mux.HandleFunc("/oauth/tokens", h.ServeTokenList)
	mux.HandleFunc("/oauth/tokens/delete", h.ServeTokenDelete)
}

// ============================================================
// Discovery
// ============================================================

// ServeMetadata handles RFC 8414 authorization server metadata requests
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	issuer := util.NormalizeURL(h.server.Config.Issuer)
	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   h.server.Config.SupportedScopes,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles the authorization endpoint. GET shows the
// consent page after validating every parameter; POST receives the
// consent decision, re-validates everything, and redirects back to the
// client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveAuthorizationPage(w, r)
	case http.MethodPost:
		h.serveConsentDecision(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveAuthorizationPage(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	if h.tracer != nil {
		_, span = h.tracer.Start(r.Context(), "oauth.http.authorization")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, r, clientIP, "authorization") {
		return
	}

	user, redirected := h.requireUser(w, r)
	if redirected {
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	req := authorizationRequestFromValues(r.URL.Query())
	validated, oauthErr := h.server.ValidateAuthorizationRequest(req)
	if oauthErr != nil {
		h.recordAuthorizationRequest(r, req.ClientID, false)
		h.recordHTTPMetrics("authorization", http.MethodGet, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeErrorPage(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordAuthorizationRequest(r, req.ClientID, true)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, validated.Client.ID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	security.SetConsentPageHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	data := ConsentData{
		UserName:   user.DisplayName,
		ClientName: validated.Client.DisplayName(),
		Scopes:     validated.Scopes,
		Params: map[string]string{
			"response_type":         req.ResponseType,
			"client_id":             req.ClientID,
			"redirect_uri":          req.RedirectURI,
			"scope":                 req.Scope,
			"state":                 req.State,
			"code_challenge":        req.CodeChallenge,
			"code_challenge_method": req.CodeChallengeMethod,
		},
		DefaultDeviceName:   validated.Client.DisplayName(),
		MaxDeviceNameLength: h.server.Config.MaxDeviceNameLength,
	}
	if user.DisplayName == "" {
		data.UserName = user.ID
	}

	if err := h.config.ConsentRenderer.RenderConsent(w, data); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
	}

	h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
}

func (h *Handler) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.consent")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, r, clientIP, "consent") {
		return
	}

	user, redirected := h.requireUser(w, r)
	if redirected {
		h.recordHTTPMetrics("consent", http.MethodPost, http.StatusFound, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("consent", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeErrorPage(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := authorizationRequestFromValues(r.PostForm)
	decision := server.ConsentDecision{
		Approved:   r.PostFormValue("decision") == "approve",
		DeviceName: strings.TrimSpace(r.PostFormValue("device_name")),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.Bool("oauth.consent.approved", decision.Approved),
	)

	redirectURL, err := h.server.FinishAuthorization(ctx, user.ID, clientIP, req, decision)
	if err != nil {
		if oauthErr, ok := err.(*Error); ok {
			h.recordConsentDecision(r, req.ClientID, decision.Approved)
			h.recordHTTPMetrics("consent", http.MethodPost, oauthErr.Status, startTime)
			instrumentation.SetSpanError(span, oauthErr.Code)
			h.writeErrorPage(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
			return
		}
		h.logger.Error("failed to finish authorization", "client_id", req.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("consent", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeErrorPage(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.recordConsentDecision(r, req.ClientID, decision.Approved)
	h.recordHTTPMetrics("consent", http.MethodPost, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// requireUser resolves the session user, redirecting unauthenticated
// browsers to the login flow with a return URL. The bool reports whether
// a redirect (or error) was already written.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*User, bool) {
	user, err := h.sessions.CurrentUser(r)
	if err != nil {
		h.logger.Error("session lookup failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return nil, true
	}
	if user == nil {
		login, err := url.Parse(h.config.LoginURL)
		if err != nil {
			h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
			return nil, true
		}
		q := login.Query()
		q.Set("return_to", r.URL.RequestURI())
		login.RawQuery = q.Encode()
		http.Redirect(w, r, login.String(), http.StatusFound)
		return nil, true
	}
	return user, false
}

func authorizationRequestFromValues(values url.Values) *server.AuthorizationRequest {
	return &server.AuthorizationRequest{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles the token endpoint, dispatching on grant_type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, r, clientIP, "token") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
	)

	token, scope, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.recordCodeExchange(r, clientID, false)
		h.handleGrantError(w, r, span, "token", clientID, clientIP, err, startTime)
		return
	}

	h.recordCodeExchange(r, clientID, true)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	clientID := r.FormValue("client_id")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
	)

	token, scope, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID, clientIP)
	if err != nil {
		h.recordTokenRefresh(r, clientID, false)
		h.handleGrantError(w, r, span, "token", clientID, clientIP, err, startTime)
		return
	}

	h.recordTokenRefresh(r, clientID, true)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

// handleGrantError writes a grant failure. Protocol errors surface with
// their own code; anything else is a storage failure and becomes a bare
// 500 with no protocol payload.
func (h *Handler) handleGrantError(w http.ResponseWriter, r *http.Request, span trace.Span, endpoint, clientID, clientIP string, err error, startTime time.Time) {
	if oauthErr, ok := err.(*Error); ok {
		h.recordHTTPMetrics(endpoint, r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Error("grant processing failed", "client_id", clientID, "ip", clientIP, "error", err)
	h.recordHTTPMetrics(endpoint, r.Method, http.StatusInternalServerError, startTime)
	instrumentation.RecordError(span, err)
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

// ============================================================
// Revocation endpoint
// ============================================================

// ServeRevocation handles RFC 7009 token revocation. Unknown and
// already-revoked tokens still answer 200; only a storage failure is an
// error.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, r, clientIP, "revoke") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")

	if err := h.server.RevokeToken(ctx, token, clientIP); err != nil {
		h.logger.Error("revocation failed", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.recordTokenRevocation(r)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Token management
// ============================================================

// ServeTokenList handles the authorized device listing for the session
// user.
func (h *Handler) ServeTokenList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, redirected := h.requireUser(w, r)
	if redirected {
		return
	}

	pairs, err := h.server.ListAuthorizedDevices(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to list authorized devices", "error", err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := DeviceListResponse{Devices: []AuthorizedDevice{}}
	for _, pair := range pairs {
		resp.Devices = append(resp.Devices, AuthorizedDevice{
			ID:         pair.ID,
			ClientID:   pair.ClientID,
			DeviceName: pair.DeviceName,
			Scopes:     pair.Scopes,
			CreatedAt:  pair.CreatedAt,
			ExpiresAt:  pair.RefreshExpiresAt,
		})
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeTokenDelete removes one of the session user's authorized devices.
func (h *Handler) ServeTokenDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, redirected := h.requireUser(w, r)
	if redirected {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	pairID := r.FormValue("id")
	if err := h.server.RemoveAuthorizedDevice(r.Context(), user.ID, pairID); err != nil {
		if oauthErr, ok := err.(*Error); ok {
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
			return
		}
		h.logger.Error("failed to remove authorized device", "error", err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Shared helpers
// ============================================================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.ipLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}

	w.Header().Set("Retry-After", "1")
	http.Error(w, "Too many requests", http.StatusTooManyRequests)
	return false
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = h.server.Config.AccessTokenTTL
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	response := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorPage answers the browser-facing authorization endpoints with an
// HTML error page. These failures happen before the redirect URI is
// trusted, so there is nowhere to send the user back to.
func (h *Handler) writeErrorPage(w http.ResponseWriter, code, description string, status int) {
	security.SetConsentPageHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := errorPageTmpl.Execute(w, errorPageData{Code: code, Description: description}); err != nil {
		h.logger.Error("failed to render error page", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// ============================================================
// Metrics helpers
// ============================================================

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}
	duration := float64(time.Since(startTime).Milliseconds())
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

func (h *Handler) recordAuthorizationRequest(r *http.Request, clientID string, valid bool) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordAuthorizationRequest(r.Context(), clientID, valid)
}

func (h *Handler) recordConsentDecision(r *http.Request, clientID string, approved bool) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordConsentDecision(r.Context(), clientID, approved)
}

func (h *Handler) recordCodeExchange(r *http.Request, clientID string, success bool) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordCodeExchange(r.Context(), clientID, success)
}

func (h *Handler) recordTokenRefresh(r *http.Request, clientID string, success bool) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordTokenRefresh(r.Context(), clientID, success)
}

func (h *Handler) recordTokenRevocation(r *http.Request) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordTokenRevocation(r.Context())
}
