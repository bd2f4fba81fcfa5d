// Package telemetry sets up optional OpenTelemetry tracing for a pipeline run.
//
// When disabled, Tracer returns the global no-op tracer, so instrumented
// code never has to check whether tracing is on.
package telemetry
