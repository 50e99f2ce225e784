// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/codegrant/instrumentation"
	"github.com/giantswarm/codegrant/internal/util"
	"github.com/giantswarm/codegrant/storage"
)

// tokenIDLogLength is the number of characters to include when logging
// code and token values. Enough uniqueness for debugging while keeping
// logs secure.
const tokenIDLogLength = 8

// dummySecretHash is a pre-computed bcrypt hash compared against when the
// client does not exist, so secret validation costs the same for unknown
// and known clients (bcrypt hash of "test").
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, RequestStore, CodeStore, and TokenLog.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	requests map[string]*storage.AuthorizationRequest
	codes    map[string]*storage.AuthorizationCode
	tokens   []*storage.AccessToken

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	metrics         *instrumentation.Metrics
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.RequestStore = (*Store)(nil)
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.TokenLog     = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
// The cleanup loop only evicts records that carry an expiry; with TTLs
// disabled (the default) it is a no-op.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		requests:        make(map[string]*storage.AuthorizationRequest),
		codes:           make(map[string]*storage.AuthorizationCode),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics enables storage operation metrics. Must be called before the
// store starts serving requests.
func (s *Store) SetMetrics(metrics *instrumentation.Metrics) {
	s.metrics = metrics
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// recordOp records one storage operation when metrics are enabled
func (s *Store) recordOp(ctx context.Context, operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a client, replacing any existing registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = client
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// SECURITY: Always performs a bcrypt comparison, even for unknown clients,
// so response timing does not reveal whether a client ID exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummySecretHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	// bcrypt comparison is constant-time by design
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil {
		return storage.ErrInvalidClientCredentials
	}
	if bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients, nil
}

// ============================================================
// RequestStore Implementation
// ============================================================

// SaveAuthorizationRequest stages a pending authorization request
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "save_authorization_request", start, err) }()

	if req == nil {
		return fmt.Errorf("authorization request cannot be nil")
	}
	if req.ID == "" {
		return fmt.Errorf("authorization request ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = req
	s.logger.Debug("Staged authorization request",
		"request_id", req.ID,
		"client_id", req.ClientID)
	return nil
}

// TakeAuthorizationRequest atomically retrieves and deletes a pending request.
func (s *Store) TakeAuthorizationRequest(ctx context.Context, id string) (req *storage.AuthorizationRequest, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "take_authorization_request", start, err) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-delete
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrRequestNotFound
	}

	// Delete before inspecting expiry: the request is consumed regardless
	// of outcome
	delete(s.requests, id)

	if isExpired(req.ExpiresAt) {
		return nil, storage.ErrRequestExpired
	}

	s.logger.Debug("Consumed authorization request", "request_id", id)
	return req, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores an issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "save_authorization_code", start, err) }()

	if code == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}
	if code.Code == "" {
		return fmt.Errorf("authorization code value cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = code
	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// TakeAuthorizationCode atomically retrieves and deletes an authorization
// code. Exactly one concurrent caller wins; the rest observe
// ErrCodeNotFound, which the token endpoint reports as invalid_grant.
func (s *Store) TakeAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "take_authorization_code", start, err) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-delete
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		// Not found or already redeemed - indistinguishable on purpose
		return nil, storage.ErrCodeNotFound
	}

	// Burn the code first: redemption is a destructive read independent
	// of outcome
	delete(s.codes, code)

	if isExpired(authCode.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// ============================================================
// TokenLog Implementation
// ============================================================

// AppendAccessToken records an issued token
func (s *Store) AppendAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "append_access_token", start, err) }()

	if token == nil {
		return fmt.Errorf("access token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = append(s.tokens, token)
	s.logger.Debug("Recorded access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID,
		"scope", token.Scope)
	return nil
}

// ListAccessTokens returns all recorded tokens in issuance order
func (s *Store) ListAccessTokens(ctx context.Context) ([]*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]*storage.AccessToken, len(s.tokens))
	copy(tokens, s.tokens)
	return tokens, nil
}

// ============================================================
// Cleanup
// ============================================================

func isExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false // no expiry
	}
	return time.Now().After(expiresAt)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup evicts expired pending requests and codes. Records with a zero
// ExpiresAt are kept forever.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.requests {
		if isExpired(req.ExpiresAt) {
			delete(s.requests, id)
			removed++
		}
	}
	for code, c := range s.codes {
		if isExpired(c.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired flow records", "removed", removed)
	}
}
