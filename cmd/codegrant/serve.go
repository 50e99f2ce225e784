package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/codegrant"
	"github.com/giantswarm/codegrant/instrumentation"
	"github.com/giantswarm/codegrant/security"
	"github.com/giantswarm/codegrant/server"
	"github.com/giantswarm/codegrant/storage"
	"github.com/giantswarm/codegrant/storage/file"
	"github.com/giantswarm/codegrant/storage/memory"
	"github.com/giantswarm/codegrant/storage/valkey"
)

// shutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

// Default registration seeded when no clients file is configured, matching
// the agent command's defaults so both sides work out of the box.
const (
	defaultClientID     = "oauth-client-1"
	defaultClientSecret = "oauth-client-secret-1"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	Long: `Runs the authorization server: the authorization endpoint
(/authorize), the consent form handler (/approve), and the token
endpoint (/token).

Client registrations come from a YAML clients file (--clients-file),
optionally hot-reloaded on change. Without one, a single development
client is seeded so the agent subcommand works out of the box.

Storage is in-memory by default; --storage=valkey shares flow state
across instances. Issued tokens are recorded in an append-only JSON
lines file when --token-log is set.`,
	Args:    cobra.NoArgs,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("listen", ":9001", "address to listen on")
	flags.String("issuer", "http://localhost:9001", "this server's base URL")
	flags.String("storage", "memory", "storage backend (memory, valkey)")
	flags.String("valkey-addr", "localhost:6379", "valkey server address")
	flags.String("valkey-password", "", "valkey password")
	flags.Int("valkey-db", 0, "valkey database number")
	flags.String("valkey-prefix", valkey.DefaultKeyPrefix, "valkey key prefix")
	flags.String("clients-file", "", "YAML file with client registrations")
	flags.Bool("watch-clients", true, "reload the clients file when it changes")
	flags.String("token-log", "", "append issued tokens to this JSON lines file")
	flags.Bool("truncate-token-log", true, "clear the token log on startup")
	flags.Int("request-ttl", 0, "staged request lifetime in seconds (0 = no expiry)")
	flags.Int("code-ttl", 0, "authorization code lifetime in seconds (0 = no expiry)")
	flags.Int("rate-limit", 0, "per-IP requests per second on protocol endpoints (0 = off)")
	flags.Int("rate-burst", 0, "per-IP burst size (defaults to 2x rate)")
	flags.Bool("audit", true, "emit security audit events")
	flags.Bool("telemetry", false, "enable OpenTelemetry instrumentation")
	flags.StringSlice("consent-users", nil, "resource owners selectable on the consent page")
}

// bindFlags binds every flag of the invoked command into viper so values
// can also come from the config file and CODEGRANT_* environment
// variables. Binding happens at run time, not init time, because the
// subcommands share flag names.
func bindFlags(cmd *cobra.Command, args []string) error {
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	})
	return bindErr
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "codegrant-server",
		ServiceVersion: version,
		Enabled:        viper.GetBool("telemetry"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	backend, cleanup, err := buildStorage(logger, inst.Metrics())
	if err != nil {
		return err
	}
	defer cleanup()

	tokens := backend.tokens
	if path := viper.GetString("token-log"); path != "" {
		fileLog, err := file.Open(path, file.Options{
			Truncate: viper.GetBool("truncate-token-log"),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		tokens = fileLog
	}

	srv, err := server.New(backend.clients, backend.requests, backend.codes, tokens, &server.Config{
		Issuer:     viper.GetString("issuer"),
		RequestTTL: viper.GetInt("request-ttl"),
		CodeTTL:    viper.GetInt("code-ttl"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, viper.GetBool("audit")))
	srv.SetInstrumentation(inst)

	if err := setupClients(ctx, backend.clients, logger); err != nil {
		return err
	}

	handler := codegrant.NewHandler(srv, logger)
	if users := viper.GetStringSlice("consent-users"); len(users) > 0 {
		handler.SetConsentUsers(users)
	}
	if rate := viper.GetInt("rate-limit"); rate > 0 {
		burst := viper.GetInt("rate-burst")
		if burst <= 0 {
			burst = rate * 2
		}
		limiter := security.NewRateLimiter(rate, burst, logger)
		defer limiter.Stop()
		handler.SetRateLimiter(limiter)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("Starting authorization server",
		"addr", httpServer.Addr,
		"issuer", viper.GetString("issuer"),
		"storage", viper.GetString("storage"))

	return runHTTPServer(ctx, httpServer, logger)
}

// storageBackend groups the four storage interfaces of one backend.
type storageBackend struct {
	clients  storage.ClientStore
	requests storage.RequestStore
	codes    storage.CodeStore
	tokens   storage.TokenLog
}

func buildStorage(logger *slog.Logger, metrics *instrumentation.Metrics) (*storageBackend, func(), error) {
	switch backend := viper.GetString("storage"); backend {
	case "memory":
		store := memory.New()
		store.SetLogger(logger)
		store.SetMetrics(metrics)
		return &storageBackend{
			clients:  store,
			requests: store,
			codes:    store,
			tokens:   store,
		}, store.Stop, nil

	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   viper.GetString("valkey-addr"),
			Password:  viper.GetString("valkey-password"),
			DB:        viper.GetInt("valkey-db"),
			KeyPrefix: viper.GetString("valkey-prefix"),
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return &storageBackend{
			clients:  store,
			requests: store,
			codes:    store,
			tokens:   store,
		}, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q (want memory or valkey)", backend)
	}
}

// setupClients loads client registrations from the configured clients
// file, watching it for changes, or seeds the development client.
func setupClients(ctx context.Context, clients storage.ClientStore, logger *slog.Logger) error {
	path := viper.GetString("clients-file")
	if path == "" {
		return seedDefaultClient(ctx, clients, logger)
	}

	if err := loadClientsFile(ctx, path, clients, logger); err != nil {
		return err
	}
	if viper.GetBool("watch-clients") {
		if err := watchClientsFile(ctx, path, clients, logger); err != nil {
			logger.Warn("Clients file watching disabled", "error", err)
		}
	}
	return nil
}

func seedDefaultClient(ctx context.Context, clients storage.ClientStore, logger *slog.Logger) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(defaultClientSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash default client secret: %w", err)
	}

	if err := clients.SaveClient(ctx, &storage.Client{
		ClientID:         defaultClientID,
		ClientSecretHash: string(hash),
		RedirectURIs:     []string{"http://localhost:9000/callback"},
		Scopes:           []string{"foo", "bar"},
		CreatedAt:        time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to seed default client: %w", err)
	}

	logger.Info("Seeded development client", "client_id", defaultClientID)
	return nil
}

// runHTTPServer runs the server until it fails or ctx is cancelled, then
// drains gracefully.
func runHTTPServer(ctx context.Context, httpServer *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
