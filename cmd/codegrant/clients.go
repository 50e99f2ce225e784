package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/codegrant/storage"
)

// reloadDebounce coalesces bursts of file events (editors often write a
// file several times per save) into one reload.
const reloadDebounce = 500 * time.Millisecond

// clientSpec is one client registration in the clients file.
//
//	clients:
//	  - client_id: oauth-client-1
//	    client_secret: oauth-client-secret-1
//	    redirect_uris:
//	      - http://localhost:9000/callback
//	    scopes: [foo, bar]
//
// Either client_secret (hashed at load time) or client_secret_hash (a
// pre-computed bcrypt hash) must be set.
type clientSpec struct {
	ClientID         string   `mapstructure:"client_id"`
	ClientSecret     string   `mapstructure:"client_secret"`
	ClientSecretHash string   `mapstructure:"client_secret_hash"`
	RedirectURIs     []string `mapstructure:"redirect_uris"`
	Scopes           []string `mapstructure:"scopes"`
}

func (spec *clientSpec) toClient() (*storage.Client, error) {
	if spec.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if len(spec.RedirectURIs) == 0 {
		return nil, fmt.Errorf("client %s: at least one redirect URI is required", spec.ClientID)
	}

	hash := spec.ClientSecretHash
	if hash == "" {
		if spec.ClientSecret == "" {
			return nil, fmt.Errorf("client %s: client_secret or client_secret_hash is required", spec.ClientID)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(spec.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("client %s: failed to hash secret: %w", spec.ClientID, err)
		}
		hash = string(hashed)
	}

	return &storage.Client{
		ClientID:         spec.ClientID,
		ClientSecretHash: hash,
		RedirectURIs:     spec.RedirectURIs,
		Scopes:           spec.Scopes,
		CreatedAt:        time.Now(),
	}, nil
}

// loadClientsFile reads the clients file and upserts every registration
// into the store. A malformed entry fails the whole load so a typo cannot
// silently drop a client.
func loadClientsFile(ctx context.Context, path string, clients storage.ClientStore, logger *slog.Logger) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read clients file %s: %w", path, err)
	}

	var specs []clientSpec
	if err := v.UnmarshalKey("clients", &specs); err != nil {
		return fmt.Errorf("failed to parse clients file %s: %w", path, err)
	}
	if len(specs) == 0 {
		return fmt.Errorf("clients file %s registers no clients", path)
	}

	for i := range specs {
		client, err := specs[i].toClient()
		if err != nil {
			return fmt.Errorf("clients file %s: %w", path, err)
		}
		if err := clients.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register client %s: %w", client.ClientID, err)
		}
	}

	logger.Info("Loaded client registrations", "path", path, "count", len(specs))
	return nil
}

// watchClientsFile reloads the clients file whenever it changes, until
// ctx is cancelled. The parent directory is watched rather than the file
// itself so atomic rename-based saves keep working.
func watchClientsFile(ctx context.Context, path string, clients storage.ClientStore, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := loadClientsFile(ctx, path, clients, logger); err != nil {
						logger.Error("Failed to reload clients file; keeping previous registrations",
							"path", path, "error", err)
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Clients file watcher error", "error", err)
			}
		}
	}()

	logger.Info("Watching clients file for changes", "path", path)
	return nil
}
