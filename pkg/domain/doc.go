// Package domain defines the error taxonomy shared by the secure transport core.
//
// This package has ZERO external dependencies outside the Go standard library.
// The policy engine, the mTLS manager, the connection pool and the transport
// orchestrator all report failures as *TransportError values so callers can
// branch on a stable numeric code, a category and a severity:
//
//	Transport      2000-2999
//	Certificate    5000-5999 (always critical)
//	Configuration  6000-6999
//	Pool           7000-7999
//
// The dependency direction is always Infrastructure → Domain.
package domain
