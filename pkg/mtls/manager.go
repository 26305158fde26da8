package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
)

// RenewalFailureThreshold is the number of consecutive failed renewals after
// which cached configurations are dropped instead of served stale.
const RenewalFailureThreshold = 3

// Stats is a snapshot of the manager counters.
type Stats struct {
	ConfigGenerations        uint64 `json:"config_generations"`
	ConfigCacheHits          uint64 `json:"config_cache_hits"`
	ConfigCacheMisses        uint64 `json:"config_cache_misses"`
	CertificateRenewals      uint64 `json:"certificate_renewals"`
	RenewalFailures          uint64 `json:"renewal_failures"`
	CertificateVerifications uint64 `json:"certificate_verifications"`
	VerificationFailures     uint64 `json:"verification_failures"`
	ConnectionsEstablished   uint64 `json:"connections_established"`
	ConnectionsFailed        uint64 `json:"connections_failed"`
	CachedConfigs            int    `json:"cached_configs"`
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.log = newEventLogger(logger) }
}

// WithMetrics replaces the global metrics collector.
func WithMetrics(collector *MetricsCollector) Option {
	return func(m *Manager) { m.metrics = collector }
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager builds and caches per-peer TLS configurations for the local device.
type Manager struct {
	cfg      config.MtlsConfig
	identity string
	provider CertificateProvider
	log      *eventLogger
	metrics  *MetricsCollector
	now      func() time.Time

	cache *configCache
	group singleflight.Group

	generations          atomic.Uint64
	cacheHits            atomic.Uint64
	cacheMisses          atomic.Uint64
	renewals             atomic.Uint64
	renewalFailures      atomic.Uint64
	verifications        atomic.Uint64
	verificationFailures atomic.Uint64
	established          atomic.Uint64
	failed               atomic.Uint64

	renewMu             sync.Mutex
	consecutiveFailures int
}

// NewManager creates a manager issuing certificates for deviceID through provider.
func NewManager(cfg config.MtlsConfig, deviceID string, provider CertificateProvider, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, domain.NewError(domain.CodeInitFailed, "device id is required")
	}
	if provider == nil {
		return nil, domain.NewError(domain.CodeInitFailed, "certificate provider is required")
	}

	m := &Manager{
		cfg:      cfg,
		identity: cfg.LocalIdentity(deviceID),
		provider: provider,
		now:      time.Now,
		cache:    newConfigCache(cfg.MaxConfigCacheEntries, cfg.ConfigCacheTTL),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = newEventLogger(nil)
	}
	if m.metrics == nil {
		// Metrics are optional; a nil collector records nothing.
		m.metrics, _ = GetMetricsCollector()
	}
	return m, nil
}

// LocalIdentity returns the identity certificates are issued for.
func (m *Manager) LocalIdentity() string {
	return m.identity
}

// Enabled reports whether mTLS is configured on.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// ServerConfig returns the TLS configuration for accepting connections from
// peerID. It returns nil when mTLS is disabled.
func (m *Manager) ServerConfig(ctx context.Context, peerID string) (*tls.Config, error) {
	return m.getConfig(ctx, kindServer, peerID)
}

// ClientConfig returns the TLS configuration for dialing peerID. It returns
// nil when mTLS is disabled.
func (m *Manager) ClientConfig(ctx context.Context, peerID string) (*tls.Config, error) {
	return m.getConfig(ctx, kindClient, peerID)
}

func (m *Manager) getConfig(ctx context.Context, kind configKind, peerID string) (*tls.Config, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}

	key := cacheKey{kind: kind, peerID: peerID}
	if m.cfg.EnableConfigCache {
		if entry, ok := m.cache.get(key, m.now()); ok {
			m.cacheHits.Add(1)
			m.metrics.recordCacheLookup(ctx, true)
			return entry.config, nil
		}
	}
	m.cacheMisses.Add(1)
	m.metrics.recordCacheLookup(ctx, false)

	// Concurrent misses for one peer share a single generation. The provider
	// call happens outside every lock; only the install takes the cache lock.
	// Generation is detached from the first caller's cancellation.
	ch := m.group.DoChan(string(kind)+"|"+peerID, func() (any, error) {
		genCtx := context.WithoutCancel(ctx)
		start := time.Now()
		cert, err := m.issue(genCtx)
		if err != nil {
			m.log.configGenerationFailed(genCtx, kind, peerID, err)
			return nil, err
		}
		tlsConfig := m.buildConfig(kind, peerID, cert)
		if m.cfg.EnableConfigCache {
			m.cache.put(key, tlsConfig, cert, m.now())
		}
		m.generations.Add(1)
		m.metrics.recordGeneration(genCtx, kind)
		m.log.configGenerated(genCtx, kind, peerID, cert, time.Since(start))
		return tlsConfig, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tls.Config), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) issue(ctx context.Context) (*Certificate, error) {
	cert, err := m.provider.Issue(ctx, m.identity)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var te *domain.TransportError
		if errors.As(err, &te) && te.Category == domain.CategoryCertificate {
			return nil, err
		}
		return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "certificate issue failed", err).
			WithContext("device_id", m.identity)
	}
	if cert == nil || len(cert.TLS.Certificate) == 0 {
		return nil, domain.NewError(domain.CodeCertificateGeneration, "provider returned an empty certificate").
			WithContext("device_id", m.identity)
	}
	return cert, nil
}

// buildConfig derives a TLS 1.3 configuration. Chain validation is delegated
// to the provider through VerifyPeerCertificate because peers are addressed
// by LAN address rather than by a name on their certificate.
func (m *Manager) buildConfig(kind configKind, peerID string, cert *Certificate) *tls.Config {
	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{cert.TLS},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: m.verifyPeerCertificate,
	}
	switch kind {
	case kindServer:
		tlsConfig.ClientAuth = tls.RequireAnyClientCert
	case kindClient:
		tlsConfig.ServerName = hostOf(peerID)
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // verified in VerifyPeerCertificate
	}
	return tlsConfig
}

func (m *Manager) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return domain.NewError(domain.CodeCertificateVerification, "peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateVerification, "failed to parse peer certificate", err)
	}
	result, err := m.Verify(context.Background(), leaf)
	if err != nil {
		return err
	}
	if !result.Valid {
		return domain.NewError(domain.CodeCertificateVerification, "peer certificate rejected").
			WithContext("device_id", result.DeviceID).
			WithContext("reason", result.Reason)
	}
	return nil
}

// Verify delegates to the provider and counts the verification.
func (m *Manager) Verify(ctx context.Context, cert *x509.Certificate) (VerificationResult, error) {
	m.verifications.Add(1)
	result, err := m.provider.Verify(ctx, cert)
	if err != nil {
		m.verificationFailures.Add(1)
		m.metrics.recordVerification(ctx, false)
		if domain.CategoryOf(err) == domain.CategoryCertificate {
			return result, err
		}
		return result, domain.NewErrorWithCause(domain.CodeCertificateVerification, "certificate verification failed", err)
	}
	if !result.Valid {
		m.verificationFailures.Add(1)
	}
	m.metrics.recordVerification(ctx, result.Valid)
	m.log.verification(ctx, result)
	return result, nil
}

// Revoke revokes cert with the provider and drops cached configurations built
// on it.
func (m *Manager) Revoke(ctx context.Context, cert *x509.Certificate) error {
	if err := m.provider.Revoke(ctx, cert); err != nil {
		if domain.CategoryOf(err) == domain.CategoryCertificate {
			return err
		}
		return domain.NewErrorWithCause(domain.CodeCertificateRevocation, "certificate revocation failed", err)
	}
	if cert != nil && cert.SerialNumber != nil {
		removed := m.cache.removeIf(func(entry *cacheEntry) bool {
			return entry.cert.Leaf != nil && entry.cert.Leaf.SerialNumber.Cmp(cert.SerialNumber) == 0
		})
		if removed > 0 {
			m.log.cacheInvalidated(ctx, "certificate_revoked", removed)
		}
	}
	return nil
}

// UpdateCertificates issues a fresh certificate for the local identity and
// rebuilds every cached configuration with it. A failed renewal keeps the
// cached configurations until RenewalFailureThreshold consecutive failures.
func (m *Manager) UpdateCertificates(ctx context.Context) error {
	m.renewMu.Lock()
	defer m.renewMu.Unlock()

	m.renewals.Add(1)
	cert, err := m.issue(ctx)
	if err != nil {
		m.consecutiveFailures++
		m.renewalFailures.Add(1)
		m.metrics.recordRenewal(ctx, false)

		purged := false
		if m.consecutiveFailures >= RenewalFailureThreshold {
			m.cache.clear()
			purged = true
		}
		m.log.renewalFailed(ctx, m.identity, m.consecutiveFailures, purged, err)
		return domain.NewErrorWithCause(domain.CodeCertificateRenewal, "certificate renewal failed", err).
			WithContext("device_id", m.identity).
			WithContext("consecutive_failures", m.consecutiveFailures)
	}
	m.consecutiveFailures = 0

	refreshed := 0
	for _, key := range m.cache.keys() {
		rebuilt := m.buildConfig(key.kind, key.peerID, cert)
		if m.cache.replace(key, rebuilt, cert, m.now()) {
			refreshed++
		}
	}
	m.metrics.recordRenewal(ctx, true)
	m.log.renewed(ctx, m.identity, refreshed, cert.NotAfter())
	return nil
}

// RecordConnection counts an mTLS connection attempt.
func (m *Manager) RecordConnection(ctx context.Context, success bool) {
	if success {
		m.established.Add(1)
	} else {
		m.failed.Add(1)
	}
	m.metrics.recordConnection(ctx, success)
}

// Invalidate drops the cached configurations for peerID.
func (m *Manager) Invalidate(peerID string) int {
	removed := m.cache.remove(peerID)
	if removed > 0 {
		m.log.cacheInvalidated(context.Background(), "peer_invalidated", removed)
	}
	return removed
}

// Clear drops every cached configuration.
func (m *Manager) Clear() int {
	removed := m.cache.clear()
	m.log.cacheInvalidated(context.Background(), "cleared", removed)
	return removed
}

// ExpiringWithin returns the peers whose cached certificate expires within d.
func (m *Manager) ExpiringWithin(d time.Duration) []string {
	deadline := m.now().Add(d)
	var peers []string
	m.cache.each(func(entry *cacheEntry) {
		if !entry.cert.NotAfter().IsZero() && entry.cert.NotAfter().Before(deadline) {
			peers = append(peers, fmt.Sprintf("%s:%s", entry.key.kind, entry.key.peerID))
		}
	})
	return peers
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		ConfigGenerations:        m.generations.Load(),
		ConfigCacheHits:          m.cacheHits.Load(),
		ConfigCacheMisses:        m.cacheMisses.Load(),
		CertificateRenewals:      m.renewals.Load(),
		RenewalFailures:          m.renewalFailures.Load(),
		CertificateVerifications: m.verifications.Load(),
		VerificationFailures:     m.verificationFailures.Load(),
		ConnectionsEstablished:   m.established.Load(),
		ConnectionsFailed:        m.failed.Load(),
		CachedConfigs:            m.cache.len(),
	}
}

func hostOf(peerID string) string {
	if host, _, err := net.SplitHostPort(peerID); err == nil {
		return host
	}
	return peerID
}
