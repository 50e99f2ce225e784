package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by stores. Callers translate these into OAuth
// protocol errors; the messages deliberately carry no detail that could
// leak whether a value ever existed.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientCredentials indicates client authentication failed
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrRequestNotFound indicates the authorization request ID is unknown
	// or was already consumed (requests are single-use)
	ErrRequestNotFound = errors.New("authorization request not found")

	// ErrRequestExpired indicates the pending authorization request outlived its TTL
	ErrRequestExpired = errors.New("authorization request expired")

	// ErrCodeNotFound indicates the authorization code is unknown or was
	// already redeemed (codes are single-use)
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code outlived its TTL
	ErrCodeExpired = errors.New("authorization code expired")
)

// Client represents a registered OAuth client.
// Clients are immutable after registration.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	RedirectURIs     []string
	Scopes           []string
	CreatedAt        time.Time
}

// AuthorizationRequest is a staged authorization request awaiting the
// resource owner's consent decision. It is consumed (read once, then
// deleted) regardless of the decision's outcome.
type AuthorizationRequest struct {
	ID           string // opaque request id shown to the consent surface
	ClientID     string
	RedirectURI  string
	Scope        []string // requested scope, order preserved
	State        string   // client-supplied, echoed verbatim on redirect
	ResponseType string
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means no expiry
}

// AuthorizationCode is an issued, single-use authorization code bound to
// the request that produced it.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	Scope       []string // scope actually granted by the owner
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
}

// AccessToken is the audit record of an issued bearer token.
// The token log is write-only for the protocol core: nothing consults it
// for authorization decisions.
type AccessToken struct {
	Token    string    `json:"access_token"`
	ClientID string    `json:"client_id"`
	Scope    string    `json:"scope"` // canonical space-joined form
	IssuedAt time.Time `json:"issued_at"`
}

// ClientStore defines the interface for the client registry.
// The registry is read-only at steady state; SaveClient exists for
// bootstrap and registry reloads.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient registers a client, replacing any existing registration
	// with the same ID
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret.
	// Implementations MUST compare in constant time.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)
}

// RequestStore holds pending authorization requests between the
// authorization endpoint and the consent decision.
type RequestStore interface {
	// SaveAuthorizationRequest stages a request under its opaque ID
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// TakeAuthorizationRequest atomically retrieves and deletes a pending
	// request. Under concurrent takes of the same ID exactly one caller
	// receives the request; all others get ErrRequestNotFound.
	// SECURITY: This operation MUST be atomic - a request approvable twice
	// would allow minting two codes from one consent.
	TakeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)
}

// CodeStore holds issued authorization codes until redemption.
type CodeStore interface {
	// SaveAuthorizationCode stores an issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// TakeAuthorizationCode atomically retrieves and deletes a code.
	// This is the destructive read that enforces single-use redemption:
	// under concurrent redemption attempts exactly one caller receives the
	// code and all others get ErrCodeNotFound.
	// SECURITY: This operation MUST be atomic - a code usable twice defeats
	// the security model of the grant.
	TakeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenLog is the append-only record of issued access tokens, persisted
// for audit.
type TokenLog interface {
	// AppendAccessToken records an issued token
	AppendAccessToken(ctx context.Context, token *AccessToken) error

	// ListAccessTokens returns all recorded tokens in issuance order
	ListAccessTokens(ctx context.Context) ([]*AccessToken, error)
}
