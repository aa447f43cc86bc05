// Package instrumentation provides OpenTelemetry instrumentation for the
// mailsession subsystem.
//
// This package enables production-grade observability through:
//   - OpenTelemetry metrics for API requests, token refreshes, retries,
//     rate limits, proxy fallback, and account lifecycle transitions
//   - Optional distributed tracing for request flows
//   - Prometheus metrics export via /metrics endpoint on a dedicated port
//   - OTLP export support for modern observability platforms
//
// Metric recording methods are nil-guarded: a zero-value Metrics is a valid
// no-op recorder, so callers never need to check whether instrumentation is
// enabled.
package instrumentation
