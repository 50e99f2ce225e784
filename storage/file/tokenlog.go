// Package file provides a flat-file implementation of the token log.
//
// Tokens are appended as JSON lines, one record per line, so the log can
// be inspected with standard text tooling while the server runs. The log
// is an audit artifact: the protocol core never reads it back to make
// authorization decisions.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/giantswarm/codegrant/storage"
)

// TokenLog is a file-backed append-only token log.
// Safe for concurrent use.
type TokenLog struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// Options configures the token log
type Options struct {
	// Truncate clears any existing log on open. Useful for development
	// servers that want a fresh record per run.
	Truncate bool

	// Logger for operational logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Open opens (or creates) a token log at path
func Open(path string, opts Options) (*TokenLog, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if opts.Truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open token log %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close token log %s: %w", path, err)
	}

	if opts.Truncate {
		opts.Logger.Info("Token log cleared", "path", path)
	}

	return &TokenLog{
		path:   path,
		logger: opts.Logger,
	}, nil
}

// AppendAccessToken records an issued token as one JSON line
func (l *TokenLog) AppendAccessToken(ctx context.Context, token *storage.AccessToken) error {
	line, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open token log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append token record: %w", err)
	}
	return f.Sync()
}

// ListAccessTokens returns all recorded tokens in issuance order.
// Unparseable lines are skipped with a warning rather than failing the
// whole read, so a partially corrupted log stays inspectable.
func (l *TokenLog) ListAccessTokens(ctx context.Context) ([]*storage.AccessToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open token log: %w", err)
	}
	defer f.Close()

	var tokens []*storage.AccessToken
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var token storage.AccessToken
		if err := json.Unmarshal(line, &token); err != nil {
			l.logger.Warn("Skipping malformed token log line", "path", l.path, "line", lineNo, "error", err)
			continue
		}
		tokens = append(tokens, &token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read token log: %w", err)
	}
	return tokens, nil
}

// Compile-time interface check
var _ storage.TokenLog = (*TokenLog)(nil)
