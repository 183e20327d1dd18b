package oauth

// HandlerConfig holds the HTTP-layer configuration. Protocol-level
// settings (TTLs, scope vocabulary, proxy trust) live in server.Config.
type HandlerConfig struct {
	// LoginURL is where unauthenticated browsers are sent. The original
	// authorization URL is appended as a return_to query parameter so the
	// login flow can resume the authorization request. Required.
	LoginURL string

	// RateLimitPerSecond throttles the token, revocation, and
	// authorization endpoints per client IP.
	// Default: 10
	RateLimitPerSecond int

	// RateLimitBurst is the burst size for the per-IP limiter.
	// Default: 20
	RateLimitBurst int

	// ConsentRenderer overrides the built-in consent page. Optional.
	ConsentRenderer ConsentRenderer
}

func (c *HandlerConfig) applyDefaults() {
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = 10
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 20
	}
	if c.ConsentRenderer == nil {
		c.ConsentRenderer = defaultConsentRenderer{}
	}
}
