// Package observability provides structured logging, metrics, and tracing
// for the LLM gateway.
//
// This package implements:
//   - zap loggers configured from the observability config
//   - Prometheus collectors for dispatch, provider health, cache and HTTP traffic
//   - OpenTelemetry tracer setup with a stdout exporter
//   - Request ID propagation through context
package observability
