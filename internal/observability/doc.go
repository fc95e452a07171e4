// Package observability groups the logging, metrics and tracing setup shared
// by the service binaries.
//
// Subpackages:
//   - logging: slog logger construction and request-scoped loggers
//   - metrics: the Prometheus registry served on METRICS_PORT
//   - tracing: OpenTelemetry provider setup and HTTP server spans
package observability
