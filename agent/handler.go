package agent

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
)

const agentIndexTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>OAuth Client</title></head>
<body>
<h1>OAuth Client</h1>
{{if .AccessToken}}<p>Access token: <code>{{.AccessToken}}</code></p>
<p>Scope: <code>{{.Scope}}</code></p>
{{else}}<p>No access token.</p>
{{end}}<p><a href="/authorize">Get a token</a> &middot; <a href="/fetch_resource">Fetch resource</a></p>
</body>
</html>
`

const agentDataTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Protected Resource</title></head>
<body>
<h1>Protected Resource</h1>
<pre>{{.Data}}</pre>
<p><a href="/">Back</a></p>
</body>
</html>
`

const agentErrorTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Error</title></head>
<body>
<h1>Error</h1>
<p>{{.Message}}</p>
<p><a href="/">Back</a></p>
</body>
</html>
`

// Handler is a thin HTTP adapter exposing the agent's flow to a browser:
// an index page, the authorization kick-off, the callback, and a resource
// fetch.
type Handler struct {
	agent  *Agent
	logger *slog.Logger

	indexTmpl *template.Template
	dataTmpl  *template.Template
	errTmpl   *template.Template
}

// NewHandler creates a new HTTP handler for the agent
func NewHandler(a *Agent, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		agent:     a,
		logger:    logger,
		indexTmpl: template.Must(template.New("index").Parse(agentIndexTemplate)),
		dataTmpl:  template.Must(template.New("data").Parse(agentDataTemplate)),
		errTmpl:   template.Must(template.New("error").Parse(agentErrorTemplate)),
	}
}

// RegisterRoutes registers the agent endpoints on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.ServeIndex)
	mux.HandleFunc("/authorize", h.ServeAuthorize)
	mux.HandleFunc("/callback", h.ServeCallback)
	mux.HandleFunc("/fetch_resource", h.ServeFetchResource)
}

// ServeIndex shows the current token state
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.renderIndex(w)
}

// ServeAuthorize kicks off a new authorization attempt by redirecting the
// user agent to the authorization server
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	authorizeURL := h.agent.BeginAuthorization()
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// ServeCallback receives the front-channel redirect and completes the
// grant over the back channel
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agent.HandleCallback(r.Context(), r.URL.Query()); err != nil {
		h.logger.Warn("Authorization callback failed", "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, ErrStateMismatch) || errors.Is(err, ErrNoPendingAuthorization) {
			status = http.StatusForbidden
		}
		h.renderError(w, status, err.Error())
		return
	}
	h.renderIndex(w)
}

// ServeFetchResource calls the protected resource with the current token
func (h *Handler) ServeFetchResource(w http.ResponseWriter, r *http.Request) {
	data, err := h.agent.FetchResource(r.Context())
	if err != nil {
		h.logger.Warn("Resource fetch failed", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrNoAccessToken) {
			status = http.StatusForbidden
		}
		h.renderError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.dataTmpl.Execute(w, struct{ Data string }{Data: string(data)}); err != nil {
		h.logger.Error("Failed to render resource page", "error", err)
	}
}

func (h *Handler) renderIndex(w http.ResponseWriter) {
	data := struct {
		AccessToken string
		Scope       string
	}{}
	if token := h.agent.Token(); token != nil {
		data.AccessToken = token.AccessToken
		data.Scope = token.Scope
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.indexTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render index page", "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.errTmpl.Execute(w, struct{ Message string }{Message: message}); err != nil {
		h.logger.Error("Failed to render error page", "error", err)
	}
}
