// Package telemetry provides OpenTelemetry tracing for conveyord.
//
// Spans are emitted around capability invocations, gate transitions and
// orchestrator loop iterations, exported over OTLP (grpc or http/protobuf).
// Metrics are intentionally not exported here; the engine exposes Prometheus
// metrics on the admin server instead.
//
// Telemetry failures never crash the engine; the instance degrades to a
// no-op tracer.
package telemetry
