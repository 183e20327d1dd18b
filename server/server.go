package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/taskhub/oauth/internal/util"
	"github.com/taskhub/oauth/security"
	"github.com/taskhub/oauth/storage"
)

// Server implements the OAuth 2.1 authorization server core. It validates
// authorization requests, turns consent decisions into single-use codes,
// and runs the token grants against the storage backends.
type Server struct {
	clients    *ClientRegistry
	codeStore  storage.CodeStore
	tokenStore storage.TokenStore
	Auditor    *security.Auditor
	Logger     *slog.Logger
	Config     *Config

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// New creates a new authorization server core
func New(
	clients *ClientRegistry,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil || clients.Len() == 0 {
		return nil, fmt.Errorf("client allow-list is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	if len(config.SupportedScopes) == 0 {
		return nil, fmt.Errorf("scope vocabulary is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if _, err := url.Parse(config.Issuer); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	return &Server{
		clients:    clients,
		codeStore:  codeStore,
		tokenStore: tokenStore,
		Config:     config,
		Logger:     logger,
		now:        time.Now,
	}, nil
}

// Clients returns the static client allow-list.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetClock overrides the server's time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// skewGrace returns the configured clock skew grace period as a duration.
// Expiry checks extend token validity by this much to absorb clock drift
// between systems.
func (s *Server) skewGrace() time.Duration {
	return time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
}

// generateRandomToken generates a cryptographically secure random token
// with 256 bits of entropy, URL-safe and unpadded. Used for authorization
// codes, access tokens, and refresh tokens alike.
func generateRandomToken() string {
	return security.GenerateToken()
}

// safeTruncate truncates a string for logging, keeping only a prefix.
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}
