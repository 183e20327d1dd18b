// Package instrumentation provides OpenTelemetry tracing and metrics for
// the authorization server.
//
// When disabled, no-op providers are used so instrumentation calls cost
// nothing. The Metrics holder carries pre-built instruments for the HTTP
// layer, the OAuth flows, security events, and storage operations; span
// helper functions are nil-safe so call sites never need to branch on
// whether tracing is active.
//
// Typical wiring:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "oauth-authsrv",
//	    ServiceVersion: version,
//	    Enabled:        true,
//	})
//	...
//	defer inst.Shutdown(ctx)
package instrumentation
