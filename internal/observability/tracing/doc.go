// Package tracing wires OpenTelemetry into the service.
//
// Init installs the global provider once at startup; Middleware starts a
// server span per HTTP request and the ResilientStore adds child spans for
// each backend call.
//
//	shutdown := tracing.Init(tracing.Config{ServiceName: "ratelimitd"})
//	defer shutdown(context.Background())
//
//	handler := tracing.Middleware(mux)
package tracing
