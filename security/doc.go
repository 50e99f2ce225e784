// Package security provides security features for the OAuth flow including
// audit logging, rate limiting, and secure response headers.
package security
