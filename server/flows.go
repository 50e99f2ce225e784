package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/codegrant/internal/util"
	"github.com/giantswarm/codegrant/storage"
)

// tokenIDLogLength is the number of characters of a code or token value
// included in log output.
const tokenIDLogLength = 8

// Decision carries the resource owner's consent decision for a staged
// authorization request.
type Decision struct {
	// Approved is false when the owner denied access
	Approved bool

	// UserID identifies the resource owner who decided
	UserID string

	// Scope lists the scope tokens the owner actually granted. May be a
	// subset of the requested scope if the owner deselected items.
	Scope []string
}

// StageAuthorization validates an incoming authorization request and
// stages it for consent.
//
// The ordering here is the security core of the endpoint: the client and
// redirect URI are authenticated first, and any failure before that
// completes is returned as a plain error to be rendered locally
// (ErrUnknownClient, ErrRedirectURIMismatch). Only after the redirect URI
// is trusted may failures travel as a *RedirectError.
func (s *Server) StageAuthorization(ctx context.Context, clientID, redirectURI, scope, state, responseType string) (*storage.AuthorizationRequest, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		}
		s.recordAuthFailure(ctx, "unknown_client")
		s.Logger.Warn("Unknown client", "client_id", clientID)
		return nil, ErrUnknownClient
	}

	if !isRegisteredRedirectURI(client, redirectURI) {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "redirect_uri_mismatch")
		}
		s.recordAuthFailure(ctx, "redirect_uri_mismatch")
		s.Logger.Warn("Mismatched redirect URI",
			"client_id", clientID,
			"expected", client.RedirectURIs,
			"got", redirectURI)
		return nil, ErrRedirectURIMismatch
	}

	// The redirect URI is now trusted; scope failures redirect per
	// protocol convention so the client can react programmatically.
	requested := splitScope(scope)
	if len(requested) > 0 && len(client.Scopes) > 0 && !scopeIsSubset(requested, client.Scopes) {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", ErrorCodeInvalidScope)
		}
		s.recordAuthFailure(ctx, ErrorCodeInvalidScope)
		s.Logger.Warn("Client requested scope it is not registered for",
			"client_id", clientID,
			"requested", requested,
			"registered", client.Scopes)
		return nil, &RedirectError{
			RedirectURI: redirectURI,
			Code:        ErrorCodeInvalidScope,
			State:       state,
		}
	}

	req := &storage.AuthorizationRequest{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		Scope:        requested,
		State:        state,
		ResponseType: responseType,
		CreatedAt:    time.Now(),
		ExpiresAt:    s.expiry(s.Config.RequestTTL),
	}
	if err := s.requests.SaveAuthorizationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to stage authorization request: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationStaged(clientID, req.ID, joinScope(requested))
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthorizationStaged(ctx, clientID)
	}
	s.Logger.Info("Staged authorization request",
		"client_id", clientID,
		"request_id", req.ID,
		"scope", joinScope(requested))

	return req, nil
}

// Approve resolves a staged authorization request against the owner's
// consent decision. On any protocol-level outcome it returns the redirect
// URL to send the user agent to; a non-nil error means the failure must be
// rendered locally (the request ID did not match a staged request, or
// storage failed).
//
// The staged request is consumed exactly once, whatever the outcome.
func (s *Server) Approve(ctx context.Context, requestID string, d Decision) (string, error) {
	req, err := s.requests.TakeAuthorizationRequest(ctx, requestID)
	if err != nil {
		s.Logger.Warn("No matching authorization request", "request_id", requestID, "error", err)
		return "", err
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordConsentDecision(ctx, req.ClientID, d.Approved)
	}

	if !d.Approved {
		if s.Auditor != nil {
			s.Auditor.LogConsentDenied(req.ClientID, req.ID)
		}
		s.Logger.Info("Resource owner denied access",
			"client_id", req.ClientID,
			"request_id", req.ID)
		return (&RedirectError{RedirectURI: req.RedirectURI, Code: ErrorCodeAccessDenied, State: req.State}).URL(), nil
	}

	if req.ResponseType != "code" {
		s.Logger.Warn("Unsupported response type",
			"client_id", req.ClientID,
			"response_type", req.ResponseType)
		return (&RedirectError{RedirectURI: req.RedirectURI, Code: ErrorCodeUnsupportedResponseType, State: req.State}).URL(), nil
	}

	// Defense in depth: the consent form is attacker-postable, so the
	// granted scope is re-checked against the registry even though the
	// requested scope was validated at staging time.
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", fmt.Errorf("client disappeared after staging: %w", err)
	}
	if len(client.Scopes) > 0 && !scopeIsSubset(d.Scope, client.Scopes) {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(d.UserID, req.ClientID, "", "tampered_consent_scope")
		}
		s.recordAuthFailure(ctx, "tampered_consent_scope")
		s.Logger.Warn("Consent submission granted scope outside registration",
			"client_id", req.ClientID,
			"granted", d.Scope,
			"registered", client.Scopes)
		return (&RedirectError{RedirectURI: req.RedirectURI, Code: ErrorCodeInvalidScope, State: req.State}).URL(), nil
	}

	code := &storage.AuthorizationCode{
		Code:        generateRandomToken(),
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       d.Scope,
		UserID:      d.UserID,
		CreatedAt:   time.Now(),
		ExpiresAt:   s.expiry(s.Config.CodeTTL),
	}
	if err := s.codes.SaveAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(d.UserID, req.ClientID, joinScope(d.Scope))
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeIssued(ctx, req.ClientID)
	}
	s.Logger.Info("Issued authorization code",
		"client_id", req.ClientID,
		"user_id", d.UserID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"scope", joinScope(d.Scope))

	// The state is opaque to this server and must pass through unmodified.
	params := url.Values{"code": {code.Code}}
	params.Set("state", req.State)
	return buildRedirectURL(req.RedirectURI, params), nil
}

// AuthenticateClient resolves and authenticates a client by its
// credentials. The secret comparison is constant-time (bcrypt in the
// store), and unknown-client and wrong-secret failures are
// indistinguishable to the caller.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "client_authentication_failed")
		}
		s.recordAuthFailure(ctx, "client_authentication_failed")
		s.Logger.Warn("Client authentication failed", "client_id", clientID)
		return nil, err
	}
	return s.clients.GetClient(ctx, clientID)
}

// ExchangeAuthorizationCode redeems an authorization code for an access
// token on behalf of the already-authenticated client.
//
// SECURITY: the code is taken from the store atomically and destructively
// before anything else is checked. Under concurrent redemption attempts
// exactly one succeeds; and a code that fails the client binding check is
// already burned, so it cannot be retried by the rightful client either.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AccessToken, error) {
	authCode, err := s.codes.TakeAuthorizationCode(ctx, code)
	if err != nil {
		s.Logger.Debug("Authorization code redemption failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		}
		s.recordAuthFailure(ctx, "invalid_authorization_code")
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordCodeExchange(ctx, clientID, false)
		}
		return nil, err
	}

	if authCode.ClientID != clientID {
		s.Logger.Warn("Authorization code client mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "code_client_mismatch")
		}
		s.recordAuthFailure(ctx, "code_client_mismatch")
		return nil, ErrCodeClientMismatch
	}

	token := &storage.AccessToken{
		Token:    generateRandomToken(),
		ClientID: clientID,
		Scope:    joinScope(authCode.Scope),
		IssuedAt: time.Now(),
	}

	// The token log is an audit record, not a correctness dependency:
	// a write failure is logged but does not fail the exchange.
	if err := s.tokens.AppendAccessToken(ctx, token); err != nil {
		s.Logger.Warn("Failed to record access token in audit log", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, token.Scope)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, clientID, true)
		s.Instrumentation.Metrics().RecordTokenIssued(ctx, clientID)
	}
	s.Logger.Info("Issued access token",
		"client_id", clientID,
		"user_id", authCode.UserID,
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"scope", token.Scope)

	return token, nil
}

// recordAuthFailure counts an authentication or validation failure when
// instrumentation is wired.
func (s *Server) recordAuthFailure(ctx context.Context, reason string) {
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthFailure(ctx, reason)
	}
}

// expiry converts a TTL in seconds into an absolute expiry time.
// A zero TTL yields the zero time, meaning no expiry.
func (s *Server) expiry(ttlSeconds int) time.Time {
	if ttlSeconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ttlSeconds) * time.Second)
}
