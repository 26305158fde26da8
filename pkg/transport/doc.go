// Package transport implements SecureTransport, the orchestrator that gates
// every peer connection through the policy engine, dials it with a
// per-peer mTLS configuration and serves it from the connection pool.
//
// A Transport is Ready once New returns. Each remote address moves through
// Connecting, Connected and Closed; one pooled connection backs a connected
// address until Disconnect returns it to the pool.
package transport
