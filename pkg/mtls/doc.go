// Package mtls builds and caches the mutual-TLS configurations used between
// peer devices.
//
// A Manager asks a CertificateProvider for a certificate for the local device
// identity (<device_id_prefix>-<device_id>) and turns it into per-peer server
// and client tls.Config values. Configurations are cached with a TTL and an
// LRU bound, concurrent misses for the same peer share one generation, and
// renewals rebuild cached entries in place. Peer chains are checked by the
// provider through a VerifyPeerCertificate hook, so every handshake is counted
// as a verification.
//
// LocalCAProvider is a small in-process authority suitable for a trusted LAN
// and for tests.
package mtls
