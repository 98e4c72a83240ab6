// Package observability provides logging, metrics, and tracing for the
// terminology proxy.
//
// Logging is structured (zap) behind the Logger interface; request and
// trace identifiers stored in the context are attached by WithContext.
// Metrics live in a dedicated Prometheus registry exposed on the admin
// listener. Tracing uses OpenTelemetry with an optional OTLP gRPC exporter;
// upstream calls carry W3C trace context.
package observability
