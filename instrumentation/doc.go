// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the codegrant library.
//
// It exposes metrics and distributed tracing for the authorization code
// grant: HTTP request counters and durations, per-flow counters
// (authorization staged, consent decided, code issued, code exchanged,
// token issued), and rate limit violations.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-authorization-server",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// When instrumentation is disabled (Config.Enabled = false) all providers
// are no-ops and recording has zero overhead.
//
// # Security Considerations
//
// Never record actual credential values (access tokens, authorization
// codes, client secrets) as span attributes or metric labels. Only
// metadata such as client IDs, scope strings, and outcome flags belongs in
// observability data.
package instrumentation
