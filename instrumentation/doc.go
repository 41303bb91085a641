// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authorization server.
//
// When disabled, no-op providers are installed so instrumented code paths
// carry zero overhead. Exporter wiring is left to the host application via
// the Resource and provider accessors.
package instrumentation
