// Package sinks implements progress.Sink consumers: structured logs,
// Prometheus collectors and a publisher that forwards events to the
// configured queue backend.
package sinks
