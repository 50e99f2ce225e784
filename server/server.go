package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/giantswarm/codegrant/instrumentation"
	"github.com/giantswarm/codegrant/security"
	"github.com/giantswarm/codegrant/storage"
)

// Errors that terminate an authorization attempt before the redirect URI
// is trusted. They must be rendered locally, never delivered by redirect.
var (
	// ErrUnknownClient indicates the client_id is not registered
	ErrUnknownClient = errors.New("unknown client")

	// ErrRedirectURIMismatch indicates the requested redirect URI is not
	// registered for the client. Redirecting here is exactly the
	// vulnerability this check prevents.
	ErrRedirectURIMismatch = errors.New("redirect URI not registered for client")

	// ErrCodeClientMismatch indicates a code was presented by a client
	// other than the one it was issued to
	ErrCodeClientMismatch = errors.New("authorization code was issued to another client")
)

// OAuth 2.0 error codes delivered via redirect once the redirect URI is
// trusted (RFC 6749 Section 4.1.2.1).
const (
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
)

// RedirectError is a recoverable protocol error detected after the
// redirect URI has been validated. It is delivered to the client as an
// HTTP redirect carrying an error query parameter, so the client can
// react programmatically.
type RedirectError struct {
	RedirectURI string
	Code        string // OAuth error code
	State       string // client state, echoed verbatim when present
}

// Error implements the error interface
func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s (redirect to %s)", e.Code, e.RedirectURI)
}

// URL builds the redirect URL carrying the error parameter
func (e *RedirectError) URL() string {
	params := url.Values{"error": {e.Code}}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return buildRedirectURL(e.RedirectURI, params)
}

// buildRedirectURL merges params into the redirect URI's existing query
// string. The redirect URI was validated against the registry by the time
// this is called, so a parse failure here is a registration bug; the raw
// URI is returned in that case to fail loudly at the user agent.
func buildRedirectURL(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for key, values := range params {
		q.Set(key, values[0])
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Server implements the authorization-server protocol logic.
// It coordinates the flow using the storage backends and is independent of
// the HTTP layer.
type Server struct {
	clients  storage.ClientStore
	requests storage.RequestStore
	codes    storage.CodeStore
	tokens   storage.TokenLog

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config
}

// New creates a new authorization server
func New(
	clients storage.ClientStore,
	requests storage.RequestStore,
	codes storage.CodeStore,
	tokens storage.TokenLog,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if requests == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token log is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	return &Server{
		clients:  clients,
		requests: requests,
		codes:    codes,
		tokens:   tokens,
		Config:   config,
		Logger:   logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// GetClient retrieves a registered client
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// ListClients lists all registered clients
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.clients.ListClients(ctx)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, tokens, and state values.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
