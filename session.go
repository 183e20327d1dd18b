package oauth

import "net/http"

// User is the authenticated principal behind a browser session. The
// authorization server does not manage accounts itself; a SessionProvider
// supplies the identity established by the surrounding application.
type User struct {
	// ID is the stable user identifier recorded on codes and tokens.
	ID string

	// DisplayName is shown on the consent page. Falls back to ID.
	DisplayName string
}

// SessionProvider resolves the authenticated user for a browser request
// to the authorization endpoint. Implementations typically read a session
// cookie.
type SessionProvider interface {
	// CurrentUser returns the authenticated user for the request, or nil
	// when there is no valid session. A nil user sends the browser to the
	// login flow with a return URL back to the authorization endpoint.
	CurrentUser(r *http.Request) (*User, error)
}

// SessionProviderFunc adapts a function to the SessionProvider interface.
type SessionProviderFunc func(r *http.Request) (*User, error)

// CurrentUser implements SessionProvider
func (f SessionProviderFunc) CurrentUser(r *http.Request) (*User, error) {
	return f(r)
}
