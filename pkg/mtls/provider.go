package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"
)

// Certificate is an issued device identity ready for use in a handshake.
type Certificate struct {
	DeviceID string
	TLS      tls.Certificate
	Leaf     *x509.Certificate
}

// NotAfter returns the expiry of the leaf certificate.
func (c *Certificate) NotAfter() time.Time {
	if c == nil || c.Leaf == nil {
		return time.Time{}
	}
	return c.Leaf.NotAfter
}

// VerificationResult describes the outcome of a certificate check.
type VerificationResult struct {
	Valid     bool      `json:"valid"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CertificateProvider issues, verifies and revokes device certificates.
type CertificateProvider interface {
	Issue(ctx context.Context, deviceID string) (*Certificate, error)
	Verify(ctx context.Context, cert *x509.Certificate) (VerificationResult, error)
	Revoke(ctx context.Context, cert *x509.Certificate) error
}
