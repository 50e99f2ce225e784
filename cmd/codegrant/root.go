package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

// rootCmd is the base command. The authorization server and the client
// agent run as subcommands so both sides of the grant ship in one binary.
var rootCmd = &cobra.Command{
	Use:   "codegrant",
	Short: "OAuth 2.0 authorization code grant server and client",
	Long: `codegrant runs the two first-party sides of the OAuth 2.0
authorization code grant:

  serve  - the authorization server (authorization and token endpoints)
  agent  - a confidential client that obtains and uses access tokens

Configuration is read from flags, a YAML config file (--config), and
CODEGRANT_* environment variables, in that order of precedence.`,
	SilenceUsage: true,
}

func execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "codegrant version %s\n" .Version}}`)
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	viper.SetEnvPrefix("CODEGRANT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cobra.OnInitialize(loadConfigFile)
}

// loadConfigFile merges the optional config file into viper. Flags still
// win; the file covers whatever they leave unset.
func loadConfigFile() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		slog.Error("Failed to read config file", "path", cfgFile, "error", err)
		os.Exit(1)
	}
}

// setupLogger builds the process logger from the global logging flags
func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(logLevel)}

	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
