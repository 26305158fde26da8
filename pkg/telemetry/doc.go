// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus exposition for the secure transport.
//
// It centralises trace provider setup, records connect and policy metrics on
// the global meter provider, and exports pool, mTLS and policy snapshots on a
// private Prometheus registry fed by the pool event stream.
package telemetry
