package codegrant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/codegrant/instrumentation"
	"github.com/giantswarm/codegrant/security"
	"github.com/giantswarm/codegrant/server"
	"github.com/giantswarm/codegrant/storage"
)

// consentScopeFieldPrefix is the form-field prefix the consent page uses
// for scope checkboxes ("scope_foo" grants scope "foo").
const consentScopeFieldPrefix = "scope_"

// defaultConsentUsers are the resource owners offered on the consent page
// when none are configured.
var defaultConsentUsers = []string{"alice", "bob"}

// Handler is a thin HTTP adapter for the authorization Server.
// It handles HTTP requests and delegates to the Server for protocol logic.
type Handler struct {
	server      *server.Server
	logger      *slog.Logger
	tracer      trace.Tracer
	renderer    Renderer
	rateLimiter *security.RateLimiter
	users       []string
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:   srv,
		logger:   logger,
		renderer: NewDefaultRenderer(),
		users:    defaultConsentUsers,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// SetRenderer replaces the built-in page renderer
func (h *Handler) SetRenderer(r Renderer) {
	if r != nil {
		h.renderer = r
	}
}

// SetRateLimiter enables per-IP rate limiting on the protocol endpoints
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// SetConsentUsers sets the resource owners selectable on the consent page
func (h *Handler) SetConsentUsers(users []string) {
	if len(users) > 0 {
		h.users = users
	}
}

// RegisterRoutes registers the authorization server endpoints on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.ServeIndex)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/approve", h.ServeApproval)
	mux.HandleFunc("/token", h.ServeToken)
}

// ServeIndex serves the informational index page
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	clients, err := h.server.ListClients(r.Context())
	if err != nil {
		h.logger.Warn("Failed to list clients for index page", "error", err)
	}

	security.SetSecurityHeaders(w)
	if err := h.renderer.RenderIndex(w, IndexData{
		AuthorizationEndpoint: "/authorize",
		TokenEndpoint:         "/token",
		Clients:               clients,
	}); err != nil {
		h.logger.Error("Failed to render index page", "error", err)
	}
}

// ServeAuthorization handles the authorization endpoint (front channel).
//
// On success the user agent gets the consent page for the staged request.
// Failures that occur before the client and redirect URI are validated are
// rendered locally and never redirected; once the redirect URI is trusted,
// protocol errors travel back to the client as a 302 with an error
// parameter.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(w, r, "authorize") {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")
	responseType := q.Get("response_type")

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrResponseType, responseType),
	)

	req, err := h.server.StageAuthorization(ctx, clientID, redirectURI, scope, state, responseType)
	if err != nil {
		var redirectErr *server.RedirectError
		if errors.As(err, &redirectErr) {
			h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusFound, startTime)
			instrumentation.SetSpanError(span, redirectErr.Code)
			http.Redirect(w, r, redirectErr.URL(), http.StatusFound)
			return
		}

		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.renderLocalError(w, http.StatusBadRequest, err)
		return
	}

	h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w)
	if err := h.renderer.RenderConsent(w, ConsentData{
		RequestID: req.ID,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		Users:     h.users,
	}); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

// ServeApproval handles the consent form submission.
//
// The request ID from the form is matched against the staged request,
// which is consumed whatever the outcome. All protocol-level results
// (approval, denial, unsupported response type) redirect back to the
// client; only an unknown request ID is rendered locally.
func (h *Handler) ServeApproval(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.approval")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "approve", http.MethodPost, http.StatusBadRequest, startTime)
		h.renderLocalError(w, http.StatusBadRequest, errors.New("failed to parse form"))
		return
	}

	requestID := r.PostFormValue("reqid")
	decision := server.Decision{
		Approved: r.PostFormValue("approve") != "",
		UserID:   r.PostFormValue("user"),
		Scope:    grantedScopeFromForm(r.PostForm),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrRequestID, requestID),
	)

	redirectURL, err := h.server.Approve(ctx, requestID, decision)
	if err != nil {
		h.recordHTTPMetrics(ctx, "approve", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.renderLocalError(w, http.StatusBadRequest, errors.New("no matching authorization request"))
		return
	}

	h.recordHTTPMetrics(ctx, "approve", http.MethodPost, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles the token endpoint (back channel).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(w, r, "token") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID, clientSecret, authErr := h.extractClientCredentials(r)
	if authErr != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, authErr.Status, startTime)
		instrumentation.SetSpanError(span, authErr.Code)
		h.writeError(w, authErr)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		h.logAuthFailure(clientID, h.clientIP(r), "client_authentication_failed", "Client authentication failed")
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrInvalidClient("Client authentication failed"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
	)

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(ctx, w, r, client.ClientID, span, startTime)
	default:
		h.logger.Warn("Unsupported grant type", "grant_type", grantType, "client_id", client.ClientID)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, ErrorCodeUnsupportedGrantType)
		h.writeError(w, ErrUnsupportedGrantType("Unknown grant type "+grantType))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID string, span trace.Span, startTime time.Time) {
	code := r.PostFormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	token, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID)
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code",
			"client_id", clientID,
			"ip", h.clientIP(r),
			"error", err)

		// Invalid, expired, replayed, and mismatched codes are deliberately
		// indistinguishable on the wire. A storage fault is not a property
		// of the code and reports as server_error.
		tokenErr := ErrInvalidGrant("Authorization code is invalid or expired")
		if !errors.Is(err, storage.ErrCodeNotFound) &&
			!errors.Is(err, storage.ErrCodeExpired) &&
			!errors.Is(err, server.ErrCodeClientMismatch) {
			tokenErr = ErrServerError("Failed to redeem authorization code")
		}

		h.recordHTTPMetrics(ctx, "token", http.MethodPost, tokenErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		h.writeError(w, tokenErr)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", h.clientIP(r))

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token)
}

// extractClientCredentials resolves client credentials from either the
// Authorization header or the request body (RFC 6749 Section 2.3.1).
// Presenting credentials via both mechanisms is itself an authentication
// failure.
func (h *Handler) extractClientCredentials(r *http.Request) (clientID, clientSecret string, authErr *Error) {
	basicID, basicSecret, hasBasic := r.BasicAuth()
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	if hasBasic {
		if formID != "" {
			h.logAuthFailure(formID, h.clientIP(r), "duplicate_client_credentials", "Client attempted to authenticate via header and body")
			return "", "", ErrInvalidClient("Client credentials presented in both header and body")
		}

		// Basic credentials are form-urlencoded before base64 per
		// RFC 6749 Section 2.3.1.
		id, err := url.QueryUnescape(basicID)
		if err != nil {
			return "", "", ErrInvalidClient("Malformed client credentials")
		}
		secret, err := url.QueryUnescape(basicSecret)
		if err != nil {
			return "", "", ErrInvalidClient("Malformed client credentials")
		}
		return id, secret, nil
	}

	if formID == "" {
		return "", "", ErrInvalidClient("Client authentication required")
	}
	return formID, formSecret, nil
}

// grantedScopeFromForm collects the scope checkboxes from the consent
// form submission. Field order is not meaningful; the result is sorted for
// determinism.
func grantedScopeFromForm(form url.Values) []string {
	var scope []string
	for field := range form {
		if strings.HasPrefix(field, consentScopeFieldPrefix) {
			scope = append(scope, strings.TrimPrefix(field, consentScopeFieldPrefix))
		}
	}
	sort.Strings(scope)
	return scope
}

// checkRateLimit applies per-IP rate limiting when a limiter is
// configured. Returns true if the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return false
	}

	ip := h.clientIP(r)
	if h.rateLimiter.Allow(ip) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", ip, "endpoint", endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(ip)
	}
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	}
	h.writeError(w, NewError(ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests))
	return true
}

// clientIP extracts the remote IP without the port
func (h *Handler) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// renderLocalError renders a failure page without redirecting. Used for
// errors detected before the redirect URI is trusted.
func (h *Handler) renderLocalError(w http.ResponseWriter, status int, err error) {
	security.SetSecurityHeaders(w)
	if rerr := h.renderer.RenderError(w, status, err.Error()); rerr != nil {
		h.logger.Error("Failed to render error page", "error", rerr)
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *storage.AccessToken) {
	security.SetTokenResponseHeaders(w)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: token.Token,
		TokenType:   tokenTypeBearer,
		Scope:       token.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, oerr *Error) {
	security.SetTokenResponseHeaders(w)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}
