package codegrant

import (
	"fmt"
	"html/template"
	"net/http"
)

// Renderer produces the HTML pages served by the authorization server:
// the consent form, local error pages, and the informational index.
// Replace it to customize branding; the default renderer uses plain
// built-in templates.
type Renderer interface {
	RenderIndex(w http.ResponseWriter, data IndexData) error
	RenderConsent(w http.ResponseWriter, data ConsentData) error
	RenderError(w http.ResponseWriter, status int, message string) error
}

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Authorization Server</title></head>
<body>
<h1>Authorization Server</h1>
<ul>
<li>Authorization endpoint: <code>{{.AuthorizationEndpoint}}</code></li>
<li>Token endpoint: <code>{{.TokenEndpoint}}</code></li>
</ul>
<h2>Registered Clients</h2>
<ul>
{{range .Clients}}<li><code>{{.ClientID}}</code> &mdash; scope <code>{{range $i, $s := .Scopes}}{{if $i}} {{end}}{{$s}}{{end}}</code></li>
{{end}}</ul>
</body>
</html>
`

const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Approve Access</title></head>
<body>
<h1>Approve this client?</h1>
<p><b>{{.ClientID}}</b> is requesting access.</p>
<form method="POST" action="/approve">
<input type="hidden" name="reqid" value="{{.RequestID}}">
<label for="user">Acting as:</label>
<select name="user" id="user">
{{range .Users}}<option value="{{.}}">{{.}}</option>
{{end}}</select>
<h3>Requested scope</h3>
{{range .Scope}}<p><input type="checkbox" name="scope_{{.}}" id="scope_{{.}}" checked> <label for="scope_{{.}}">{{.}}</label></p>
{{end}}<p>
<button type="submit" name="approve" value="Approve">Approve</button>
<button type="submit" name="deny" value="Deny">Deny</button>
</p>
</form>
</body>
</html>
`

const errorTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Error</title></head>
<body>
<h1>Error</h1>
<p>{{.Message}}</p>
</body>
</html>
`

// defaultRenderer renders the built-in templates
type defaultRenderer struct {
	index   *template.Template
	consent *template.Template
	err     *template.Template
}

// NewDefaultRenderer creates the built-in HTML renderer
func NewDefaultRenderer() Renderer {
	return &defaultRenderer{
		index:   template.Must(template.New("index").Parse(indexTemplate)),
		consent: template.Must(template.New("consent").Parse(consentTemplate)),
		err:     template.Must(template.New("error").Parse(errorTemplate)),
	}
}

func (r *defaultRenderer) RenderIndex(w http.ResponseWriter, data IndexData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := r.index.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render index page: %w", err)
	}
	return nil
}

func (r *defaultRenderer) RenderConsent(w http.ResponseWriter, data ConsentData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := r.consent.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render consent page: %w", err)
	}
	return nil
}

func (r *defaultRenderer) RenderError(w http.ResponseWriter, status int, message string) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := r.err.Execute(w, struct{ Message string }{Message: message}); err != nil {
		return fmt.Errorf("failed to render error page: %w", err)
	}
	return nil
}
