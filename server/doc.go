// Package server implements the authorization-server side of the OAuth 2.0
// authorization code grant (RFC 6749 Section 4.1), independent of any HTTP
// framing. It coordinates the flow across the client registry, the pending
// request store, the code store, and the issued-token audit log.
package server
