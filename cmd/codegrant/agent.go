package main

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/codegrant/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the client agent",
	Long: `Runs the client agent: a confidential OAuth client with a small
web UI for starting the authorization flow, receiving the callback, and
calling the protected resource with the obtained token.

The defaults pair with 'codegrant serve' running on localhost:9001 and
its seeded development client.`,
	Args:    cobra.NoArgs,
	PreRunE: bindFlags,
	RunE:    runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	flags := agentCmd.Flags()
	flags.String("listen", ":9000", "address to listen on")
	flags.String("client-id", defaultClientID, "registered client identifier")
	flags.String("client-secret", defaultClientSecret, "client secret")
	flags.String("redirect-uri", "http://localhost:9000/callback", "registered callback URI")
	flags.String("authorization-endpoint", "http://localhost:9001/authorize", "authorization endpoint URL")
	flags.String("token-endpoint", "http://localhost:9001/token", "token endpoint URL")
	flags.String("resource", "http://localhost:9002/resource", "protected resource URL")
	flags.String("scope", "foo bar", "scope to request")
	flags.Duration("http-timeout", 10*time.Second, "timeout for outbound HTTP calls")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	a, err := agent.New(agent.Config{
		ClientID:              viper.GetString("client-id"),
		ClientSecret:          viper.GetString("client-secret"),
		RedirectURI:           viper.GetString("redirect-uri"),
		AuthorizationEndpoint: viper.GetString("authorization-endpoint"),
		TokenEndpoint:         viper.GetString("token-endpoint"),
		ResourceURL:           viper.GetString("resource"),
		Scope:                 viper.GetString("scope"),
		Timeout:               viper.GetDuration("http-timeout"),
	}, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	agent.NewHandler(a, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("Starting client agent",
		"addr", httpServer.Addr,
		"client_id", viper.GetString("client-id"),
		"authorization_endpoint", viper.GetString("authorization-endpoint"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runHTTPServer(ctx, httpServer, logger)
}
