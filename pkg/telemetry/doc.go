// Package telemetry wires OpenTelemetry tracing and upstream call metrics for
// the edge proxy.
//
// It owns tracer provider setup, the span attribute keys shared by the
// pipeline stages, and helpers that annotate spans with the personalization
// outcome without exporting visitor identifiers.
package telemetry
