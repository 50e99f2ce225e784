// Package codegrant implements the OAuth 2.0 authorization code grant
// (RFC 6749 Section 4.1) as an embeddable library.
//
// The package is organized in layers:
//
//   - codegrant (this package): thin HTTP adapters for the authorization
//     server endpoints and the wire types they exchange
//   - server: protocol logic independent of HTTP
//   - agent: a confidential client that drives the grant end to end
//   - storage: persistence interfaces with in-memory, file, and Valkey
//     backends
//   - security: audit logging, rate limiting, response headers
//   - instrumentation: OpenTelemetry metrics and tracing
//
// # Quick Start
//
//	store := memory.New()
//	srv, err := server.New(store, store, store, store, nil, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	handler := codegrant.NewHandler(srv, logger)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//	http.ListenAndServe(":9001", mux)
package codegrant
