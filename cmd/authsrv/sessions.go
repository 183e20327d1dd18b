package main

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/taskhub/oauth"
	"github.com/taskhub/oauth/security"
)

const sessionCookieName = "authsrv_session"

// devSessions is a cookie-backed session provider for development and
// demos. Sessions are random opaque IDs held in memory; there is no
// password check. Production deployments replace this with the
// application's real session layer via the oauth.SessionProvider
// interface.
type devSessions struct {
	mu sync.Mutex
	// session ID -> user
	users map[string]*oauth.User
}

func newDevSessions() *devSessions {
	return &devSessions{users: make(map[string]*oauth.User)}
}

// CurrentUser implements oauth.SessionProvider
func (d *devSessions) CurrentUser(r *http.Request) (*oauth.User, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[cookie.Value], nil
}

// RegisterRoutes adds the development login and logout endpoints.
func (d *devSessions) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/login", d.serveLogin)
	mux.HandleFunc("/logout", d.serveLogout)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Sign in</title></head>
<body>
    <h1>Sign in (development)</h1>
    <form method="POST">
        <input type="hidden" name="return_to" value="{{.ReturnTo}}">
        <label>Username <input type="text" name="username" required></label>
        <button type="submit">Sign in</button>
    </form>
</body>
</html>`))

func (d *devSessions) serveLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = loginTemplate.Execute(w, struct{ ReturnTo string }{ReturnTo: r.URL.Query().Get("return_to")})
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		username := strings.TrimSpace(r.PostFormValue("username"))
		if username == "" {
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}

		sessionID := security.GenerateToken()
		d.mu.Lock()
		d.users[sessionID] = &oauth.User{ID: username, DisplayName: username}
		d.mu.Unlock()

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		http.Redirect(w, r, safeReturnTo(r.PostFormValue("return_to")), http.StatusFound)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *devSessions) serveLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		d.mu.Lock()
		delete(d.users, cookie.Value)
		d.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	fmt.Fprintln(w, "signed out")
}

// safeReturnTo keeps the post-login redirect on this origin. Absolute
// URLs are rejected so the login form cannot be used as an open redirect.
func safeReturnTo(returnTo string) string {
	if returnTo == "" {
		return "/"
	}
	parsed, err := url.Parse(returnTo)
	if err != nil || parsed.IsAbs() || parsed.Host != "" || !strings.HasPrefix(parsed.Path, "/") {
		return "/"
	}
	return returnTo
}
