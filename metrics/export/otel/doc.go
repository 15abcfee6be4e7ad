// Package otel provides OpenTelemetry metric bindings for goAuthSync counters and
// histograms.
//
// [NewOTelExporter] registers an Int64ObservableCounter per counter and an
// Int64ObservableGauge per histogram bucket. A single callback reads the source's
// MetricsSnapshot on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider (callers supply the Meter).
//   - Mutate client state.
package otel
