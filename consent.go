package oauth

import (
	"html/template"
	"io"
)

// consentPageData feeds the consent page template. Every request
// parameter is round-tripped through hidden form fields and re-validated
// on submit.
type consentPageData struct {
	UserName            string
	ClientName          string
	Scopes              []scopeDescription
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	DefaultDeviceName   string
	MaxDeviceNameLength int
}

type scopeDescription struct {
	Scope       string
	Description string
}

// ConsentRenderer renders the consent page. The default renderer serves
// the built-in template; applications can substitute their own branding.
type ConsentRenderer interface {
	RenderConsent(w io.Writer, data ConsentData) error
}

// ConsentData is the exported view of what the consent page must show
// and echo back.
type ConsentData struct {
	// UserName is the display name of the authenticated user.
	UserName string

	// ClientName is the display name of the requesting client.
	ClientName string

	// Scopes are the filtered scopes that will be granted on approval.
	Scopes []string

	// Params are the validated request parameters to echo as hidden
	// form fields.
	Params map[string]string

	// DefaultDeviceName pre-fills the device label input.
	DefaultDeviceName string

	// MaxDeviceNameLength caps the device label input.
	MaxDeviceNameLength int
}

// scopeDescriptions maps known scopes to consent page wording. Unknown
// scopes never reach the page; they are filtered out during validation.
var scopeDescriptions = map[string]string{
	"tasks:read":  "Read your tasks and lists",
	"tasks:write": "Create, edit, and delete tasks",
	"profile":     "See your name and profile details",
}

func describeScope(scope string) string {
	if d, ok := scopeDescriptions[scope]; ok {
		return d
	}
	return scope
}

// consentPageTemplate is the built-in HTML for the consent page. The page
// carries no scripts; the CSP from SetConsentPageHeaders allows only
// inline styles and same-origin form submission.
const consentPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize {{.ClientName}}</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f4f5f7;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #1f2430;
        }
        .card {
            background: #fff;
            border-radius: 12px;
            box-shadow: 0 4px 24px rgba(0, 0, 0, 0.08);
            padding: 2rem;
            max-width: 420px;
            width: 100%;
        }
        h1 { font-size: 1.25rem; margin-bottom: 0.5rem; }
        .subtitle { color: #5c6370; font-size: 0.9rem; margin-bottom: 1.5rem; }
        ul.scopes {
            list-style: none;
            margin-bottom: 1.5rem;
            border: 1px solid #e3e5e8;
            border-radius: 8px;
        }
        ul.scopes li {
            padding: 0.6rem 0.9rem;
            border-bottom: 1px solid #e3e5e8;
            font-size: 0.9rem;
        }
        ul.scopes li:last-child { border-bottom: none; }
        label { display: block; font-size: 0.85rem; margin-bottom: 0.3rem; color: #5c6370; }
        input[type="text"] {
            width: 100%;
            padding: 0.55rem 0.75rem;
            border: 1px solid #cfd3d9;
            border-radius: 6px;
            font-size: 0.95rem;
            margin-bottom: 1.5rem;
        }
        .actions { display: flex; gap: 0.75rem; }
        button {
            flex: 1;
            padding: 0.65rem;
            border: none;
            border-radius: 6px;
            font-size: 0.95rem;
            cursor: pointer;
        }
        button.approve { background: #2563eb; color: #fff; }
        button.deny { background: #e3e5e8; color: #1f2430; }
    </style>
</head>
<body>
    <div class="card">
        <h1>{{.ClientName}} wants access</h1>
        <p class="subtitle">Signed in as {{.UserName}}. This application is asking to:</p>
        <ul class="scopes">
            {{- range .Scopes}}
            <li>{{.Description}}</li>
            {{- end}}
        </ul>
        <form method="POST">
            <input type="hidden" name="response_type" value="{{.ResponseType}}">
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            <input type="hidden" name="state" value="{{.State}}">
            <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
            <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
            <label for="device_name">Name this device</label>
            <input type="text" id="device_name" name="device_name" value="{{.DefaultDeviceName}}" maxlength="{{.MaxDeviceNameLength}}" required>
            <div class="actions">
                <button class="deny" type="submit" name="decision" value="deny">Deny</button>
                <button class="approve" type="submit" name="decision" value="approve">Authorize</button>
            </div>
        </form>
    </div>
</body>
</html>`

var consentTemplate = template.Must(template.New("consent").Parse(consentPageTemplate))

// errorPageData feeds the authorization error page template.
type errorPageData struct {
	Code        string
	Description string
}

// errorPageTemplate is shown for authorization requests that fail before a
// redirect target is trusted. The request cannot be bounced back to the
// client, so the user sees this page instead.
const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization failed</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f4f5f7;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #1f2430;
        }
        .card {
            background: #fff;
            border-radius: 12px;
            box-shadow: 0 4px 24px rgba(0, 0, 0, 0.08);
            padding: 2rem;
            max-width: 420px;
            width: 100%;
        }
        h1 { font-size: 1.25rem; margin-bottom: 0.5rem; }
        .subtitle { color: #5c6370; font-size: 0.9rem; margin-bottom: 1.5rem; }
        .error {
            border: 1px solid #f1c3c3;
            background: #fdf2f2;
            border-radius: 8px;
            padding: 0.9rem;
            font-size: 0.9rem;
        }
        .error code { color: #b91c1c; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Authorization failed</h1>
        <p class="subtitle">The authorization request could not be completed. Close this page and try again from the application.</p>
        <div class="error">
            <code>{{.Code}}</code>
            {{- if .Description}}
            <p>{{.Description}}</p>
            {{- end}}
        </div>
    </div>
</body>
</html>`

var errorPageTmpl = template.Must(template.New("error").Parse(errorPageTemplate))

// defaultConsentRenderer serves the built-in consent template.
type defaultConsentRenderer struct{}

func (defaultConsentRenderer) RenderConsent(w io.Writer, data ConsentData) error {
	page := consentPageData{
		UserName:            data.UserName,
		ClientName:          data.ClientName,
		ResponseType:        data.Params["response_type"],
		ClientID:            data.Params["client_id"],
		RedirectURI:         data.Params["redirect_uri"],
		Scope:               data.Params["scope"],
		State:               data.Params["state"],
		CodeChallenge:       data.Params["code_challenge"],
		CodeChallengeMethod: data.Params["code_challenge_method"],
		DefaultDeviceName:   data.DefaultDeviceName,
		MaxDeviceNameLength: data.MaxDeviceNameLength,
	}
	for _, sc := range data.Scopes {
		page.Scopes = append(page.Scopes, scopeDescription{Scope: sc, Description: describeScope(sc)})
	}
	return consentTemplate.Execute(w, page)
}
