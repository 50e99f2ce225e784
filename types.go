package codegrant

import "github.com/giantswarm/codegrant/storage"

const tokenTypeBearer = "Bearer"

// TokenResponse represents a successful token endpoint response
// (RFC 6749 Section 5.1)
type TokenResponse struct {
	// AccessToken is the issued access token
	AccessToken string `json:"access_token"`

	// TokenType is the token type, always "Bearer"
	TokenType string `json:"token_type"`

	// Scope is the space-separated scope the token carries
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// ConsentData carries everything the consent page needs to render the
// approval form for a staged authorization request.
type ConsentData struct {
	// RequestID is the opaque handle binding the form submission to the
	// staged request
	RequestID string

	// ClientID identifies the client asking for access
	ClientID string

	// Scope lists the requested scope tokens, one checkbox each
	Scope []string

	// Users lists the resource owners selectable on the form
	Users []string
}

// IndexData carries the data for the informational index page.
type IndexData struct {
	// AuthorizationEndpoint is the server's authorization endpoint path
	AuthorizationEndpoint string

	// TokenEndpoint is the server's token endpoint path
	TokenEndpoint string

	// Clients lists the registered clients
	Clients []*storage.Client
}
