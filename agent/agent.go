package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/codegrant/internal/util"
)

// tokenIDLogLength is the number of characters of a token value included
// in log output.
const tokenIDLogLength = 8

// defaultHTTPTimeout bounds back-channel and resource calls when the
// config does not set one.
const defaultHTTPTimeout = 10 * time.Second

// Errors reported by the agent.
var (
	// ErrStateMismatch indicates the callback state does not match the
	// pending authorization attempt. Either the callback is forged or it
	// answers an attempt this agent no longer remembers.
	ErrStateMismatch = fmt.Errorf("state value did not match")

	// ErrNoPendingAuthorization indicates a callback arrived while no
	// authorization attempt was in flight
	ErrNoPendingAuthorization = fmt.Errorf("no authorization attempt in progress")

	// ErrNoAccessToken indicates a resource fetch was attempted without a token
	ErrNoAccessToken = fmt.Errorf("missing access token")
)

// Config holds the agent's registration details and endpoints.
type Config struct {
	// ClientID is the agent's registered client identifier
	ClientID string

	// ClientSecret authenticates the agent at the token endpoint
	ClientSecret string

	// RedirectURI is the callback the authorization server redirects to.
	// It must exactly match a URI registered for the client.
	RedirectURI string

	// AuthorizationEndpoint is the server's authorization endpoint URL
	AuthorizationEndpoint string

	// TokenEndpoint is the server's token endpoint URL
	TokenEndpoint string

	// ResourceURL is the protected resource to call with the token
	ResourceURL string

	// Scope is the space-separated scope to request
	Scope string

	// Timeout bounds each outbound HTTP call (default 10s)
	Timeout time.Duration
}

// TokenError is a decoded token endpoint error response.
type TokenError struct {
	StatusCode  int
	Code        string
	Description string
}

// Error implements the error interface
func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint returned %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %s (status %d)", e.Code, e.StatusCode)
}

// Token is the agent's view of an issued access token.
type Token struct {
	AccessToken string
	TokenType   string
	Scope       string
}

// Agent is a confidential OAuth client. Safe for concurrent use.
type Agent struct {
	config Config
	logger *slog.Logger
	client *http.Client

	mu           sync.Mutex
	pendingState string // non-empty while a front-channel attempt is in flight
	token        *Token
}

// New creates a new client agent
func New(config Config, logger *slog.Logger) (*Agent, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if config.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}
	if config.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("authorization endpoint is required")
	}
	if config.TokenEndpoint == "" {
		return nil, fmt.Errorf("token endpoint is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		config: config,
		logger: logger,
		client: &http.Client{
			Timeout: config.Timeout,
			// The authorization server's redirects target the resource
			// owner's user agent, not this client.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Token returns the current access token, or nil when unauthorized
func (a *Agent) Token() *Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// BeginAuthorization starts a new authorization attempt and returns the
// URL to send the resource owner's user agent to.
//
// Any previously held token is discarded: a fresh grant means a fresh
// token, and a stale one must not linger if the new attempt fails. The
// attempt is bound to a newly generated state value.
func (a *Agent) BeginAuthorization() string {
	state := oauth2.GenerateVerifier()

	a.mu.Lock()
	a.token = nil
	a.pendingState = state
	a.mu.Unlock()

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {a.config.ClientID},
		"redirect_uri":  {a.config.RedirectURI},
		"state":         {state},
	}
	if a.config.Scope != "" {
		params.Set("scope", a.config.Scope)
	}

	authorizeURL := a.config.AuthorizationEndpoint + "?" + params.Encode()
	a.logger.Info("Starting authorization attempt",
		"authorize_url", a.config.AuthorizationEndpoint,
		"scope", a.config.Scope)
	return authorizeURL
}

// HandleCallback processes the front-channel redirect from the
// authorization server and, on success, exchanges the code for an access
// token over the back channel.
//
// SECURITY: the state check runs before any code leaves this process. A
// mismatched or unexpected callback is rejected without contacting the
// token endpoint, so an attacker-supplied code can never be laundered
// through this client's credentials.
func (a *Agent) HandleCallback(ctx context.Context, query url.Values) (*Token, error) {
	a.mu.Lock()
	expectedState := a.pendingState
	a.pendingState = ""
	a.mu.Unlock()

	if expectedState == "" {
		a.logger.Warn("Callback received with no authorization in progress")
		return nil, ErrNoPendingAuthorization
	}

	// An error outcome is surfaced before the state check. Either way the
	// attempt is over and no code is exchanged, but the server's error code
	// is more useful to the caller than a mismatch report.
	if errCode := query.Get("error"); errCode != "" {
		a.logger.Warn("Authorization server returned an error", "error", errCode)
		return nil, fmt.Errorf("authorization failed: %s", errCode)
	}

	gotState := query.Get("state")
	if subtle.ConstantTimeCompare([]byte(gotState), []byte(expectedState)) != 1 {
		a.logger.Warn("Callback state mismatch",
			"expected_prefix", util.SafeTruncate(expectedState, tokenIDLogLength),
			"got_prefix", util.SafeTruncate(gotState, tokenIDLogLength))
		return nil, ErrStateMismatch
	}

	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("callback carried no authorization code")
	}

	token, err := a.exchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()

	a.logger.Info("Obtained access token",
		"token_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength),
		"scope", token.Scope)
	return token, nil
}

// exchangeCode redeems the authorization code at the token endpoint,
// authenticating with HTTP Basic credentials. Per RFC 6749 Section 2.3.1
// the credentials are form-urlencoded before base64.
func (a *Agent) exchangeCode(ctx context.Context, code string) (*Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {a.config.RedirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(a.config.ClientID), url.QueryEscape(a.config.ClientSecret))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
			return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		return nil, &TokenError{
			StatusCode:  resp.StatusCode,
			Code:        errResp.Error,
			Description: errResp.ErrorDescription,
		}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access token")
	}

	return &Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
		Scope:       tokenResp.Scope,
	}, nil
}

// FetchResource calls the protected resource with the current access
// token. It fails locally with ErrNoAccessToken when unauthorized, without
// touching the network.
func (a *Agent) FetchResource(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	if token == nil {
		return nil, ErrNoAccessToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.ResourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read resource response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource returned status %d", resp.StatusCode)
	}

	return body, nil
}
