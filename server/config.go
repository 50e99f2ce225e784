package server

import "log/slog"

// Config holds authorization server configuration
type Config struct {
	// Issuer is this server's base URL, e.g. "http://localhost:9001".
	// Used for logging and security headers only; the protocol itself
	// never embeds it in responses.
	Issuer string

	// RequestTTL is the lifetime in seconds of a staged authorization
	// request awaiting consent. 0 disables expiry.
	RequestTTL int

	// CodeTTL is the lifetime in seconds of an issued authorization code.
	// 0 disables expiry.
	CodeTTL int
}

// applyDefaults normalizes the configuration and warns about risky
// settings. TTLs intentionally default to 0 (no expiry): pending requests
// and codes are single-use, and expiry is an opt-in hardening knob.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config == nil {
		config = &Config{}
	}

	if config.RequestTTL < 0 {
		config.RequestTTL = 0
	}
	if config.CodeTTL < 0 {
		config.CodeTTL = 0
	}

	if config.CodeTTL == 0 {
		logger.Warn("Authorization codes never expire",
			"recommendation", "set CodeTTL to bound the replay window for leaked codes")
	}
	if config.RequestTTL == 0 {
		logger.Warn("Pending authorization requests never expire",
			"recommendation", "set RequestTTL to bound memory held by abandoned consent pages")
	}

	return config
}
