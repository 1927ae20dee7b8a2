// Package telemetry wraps OpenTelemetry SDK setup: OTLP gRPC trace
// and metric exporters behind one Init call, noop when disabled, and
// a span emitter that exports the agent's reasoning traces.
package telemetry
