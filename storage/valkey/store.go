// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// Single-use semantics are enforced server-side with GETDEL, so takes stay
// atomic across processes. TTLs map to key expiry; a zero expiry stores
// the key without a TTL.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/codegrant/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "codegrant:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// dummySecretHash is compared against when the client is unknown, so
// secret validation takes the same time for unknown and known clients.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "codegrant:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.RequestStore = (*Store)(nil)
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.TokenLog     = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) requestKey(id string) string {
	return s.prefix + "request:" + id
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) tokenLogKey() string {
	return s.prefix + "tokens"
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// set stores a JSON value, applying a key TTL when expiresAt is non-zero.
func (s *Store) set(ctx context.Context, key string, value any, expiresAt time.Time) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if !expiresAt.IsZero() {
		ttl := time.Until(expiresAt)
		if ttl <= 0 {
			return fmt.Errorf("value already expired")
		}
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
}

// ==================== ClientStore ====================

// SaveClient registers a client, replacing any existing registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := s.set(ctx, s.clientKey(client.ClientID), client, time.Time{}); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// A bcrypt comparison runs even for unknown clients so response timing does
// not reveal whether a client ID exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	hash := dummySecretHash
	client, err := s.GetClient(ctx, clientID)
	if err == nil {
		hash = client.ClientSecretHash
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)) != nil || client == nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.prefix + "client:*"

	// SCAN can return duplicates across iterations; deduplicate by key.
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // key expired between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}
			var client storage.Client
			if err := json.Unmarshal([]byte(data), &client); err != nil {
				s.logger.Warn("Skipping malformed client record", "key", key, "error", err)
				continue
			}
			clientMap[key] = &client
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, client := range clientMap {
		clients = append(clients, client)
	}
	return clients, nil
}

// ==================== RequestStore ====================

// SaveAuthorizationRequest stages a request under its opaque ID
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if err := s.set(ctx, s.requestKey(req.ID), req, req.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	s.logger.Debug("Saved authorization request", "request_id", req.ID, "client_id", req.ClientID)
	return nil
}

// TakeAuthorizationRequest atomically retrieves and deletes a pending
// request. GETDEL guarantees exactly one caller wins across instances.
func (s *Store) TakeAuthorizationRequest(ctx context.Context, id string) (*storage.AuthorizationRequest, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.requestKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to take authorization request: %w", err)
	}

	var req storage.AuthorizationRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization request: %w", err)
	}

	// Key TTL normally handles expiry; this covers clock skew between the
	// writer and the Valkey server.
	if !req.ExpiresAt.IsZero() && time.Now().After(req.ExpiresAt) {
		return nil, storage.ErrRequestExpired
	}
	return &req, nil
}

// ==================== CodeStore ====================

// SaveAuthorizationCode stores an issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := s.set(ctx, s.codeKey(code.Code), code, code.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	s.logger.Debug("Saved authorization code", "client_id", code.ClientID)
	return nil
}

// TakeAuthorizationCode atomically retrieves and deletes a code.
// GETDEL is the destructive read that enforces single-use redemption
// across instances.
func (s *Store) TakeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to take authorization code: %w", err)
	}

	var authCode storage.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &authCode); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	if !authCode.ExpiresAt.IsZero() && time.Now().After(authCode.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}
	return &authCode, nil
}

// ==================== TokenLog ====================

// AppendAccessToken records an issued token on the token list
func (s *Store) AppendAccessToken(ctx context.Context, token *storage.AccessToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Rpush().Key(s.tokenLogKey()).Element(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to append token record: %w", err)
	}
	return nil
}

// ListAccessTokens returns all recorded tokens in issuance order
func (s *Store) ListAccessTokens(ctx context.Context) ([]*storage.AccessToken, error) {
	lines, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.tokenLogKey()).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read token log: %w", err)
	}

	tokens := make([]*storage.AccessToken, 0, len(lines))
	for i, line := range lines {
		var token storage.AccessToken
		if err := json.Unmarshal([]byte(line), &token); err != nil {
			s.logger.Warn("Skipping malformed token log entry", "index", i, "error", err)
			continue
		}
		tokens = append(tokens, &token)
	}
	return tokens, nil
}
