package mtls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/polisai/bey-transport/pkg/domain"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// LocalCAOptions configures a LocalCAProvider.
type LocalCAOptions struct {
	Organization string
	Country      string
	// Dir persists the CA and issued leaves as PEM files when set. An existing
	// CA in Dir is reused.
	Dir          string
	KeySize      int
	LeafValidity time.Duration
	CAValidity   time.Duration
}

// LocalCAProvider is an in-memory certificate authority for a trusted LAN.
// Issued leaves carry both server and client usages so one identity serves
// both ends of a connection.
type LocalCAProvider struct {
	opts   LocalCAOptions
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	roots  *x509.CertPool

	mu      sync.RWMutex
	revoked map[string]time.Time // serial -> revocation time
}

// NewLocalCAProvider creates or loads the CA.
func NewLocalCAProvider(opts LocalCAOptions) (*LocalCAProvider, error) {
	if opts.KeySize == 0 {
		opts.KeySize = 2048
	}
	if opts.LeafValidity == 0 {
		opts.LeafValidity = 90 * 24 * time.Hour
	}
	if opts.CAValidity == 0 {
		opts.CAValidity = 10 * 365 * 24 * time.Hour
	}
	if opts.Organization == "" {
		opts.Organization = "BEY"
	}

	p := &LocalCAProvider{
		opts:    opts,
		revoked: make(map[string]time.Time),
	}

	loaded := false
	if opts.Dir != "" {
		var err error
		loaded, err = p.loadCA()
		if err != nil {
			return nil, err
		}
	}
	if !loaded {
		if err := p.generateCA(); err != nil {
			return nil, err
		}
	}

	p.roots = x509.NewCertPool()
	p.roots.AddCert(p.caCert)
	return p, nil
}

// CACertificate returns the CA certificate used to sign leaves.
func (p *LocalCAProvider) CACertificate() *x509.Certificate {
	return p.caCert
}

// Roots returns a pool containing the CA certificate.
func (p *LocalCAProvider) Roots() *x509.CertPool {
	return p.roots
}

// Issue signs a fresh leaf for deviceID.
func (p *LocalCAProvider) Issue(ctx context.Context, deviceID string) (*Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, domain.NewError(domain.CodeCertificateGeneration, "device id is required")
	}

	key, err := rsa.GenerateKey(rand.Reader, p.opts.KeySize)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to generate private key", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to generate serial number", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{p.opts.Organization},
			Country:      countryList(p.opts.Country),
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(p.opts.LeafValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{deviceID, "localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, p.caCert, &key.PublicKey, p.caKey)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to create certificate", err).
			WithContext("device_id", deviceID)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to parse issued certificate", err)
	}

	if p.opts.Dir != "" {
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		keyPEM, err := encodeKey(key)
		if err != nil {
			return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to encode private key", err)
		}
		base := filepath.Join(p.opts.Dir, sanitizeFileName(deviceID))
		if err := WriteCertificateFiles(certPEM, keyPEM, base+".crt", base+".key"); err != nil {
			return nil, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to persist certificate", err).
				WithContext("device_id", deviceID)
		}
	}

	return &Certificate{
		DeviceID: deviceID,
		TLS: tls.Certificate{
			Certificate: [][]byte{der, p.caCert.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf: leaf,
	}, nil
}

// Verify checks the chain against the CA, the validity window and the
// revocation list.
func (p *LocalCAProvider) Verify(_ context.Context, cert *x509.Certificate) (VerificationResult, error) {
	if cert == nil {
		return VerificationResult{}, domain.NewError(domain.CodeCertificateVerification, "certificate is nil")
	}
	result := VerificationResult{DeviceID: cert.Subject.CommonName, ExpiresAt: cert.NotAfter}

	if p.isRevoked(cert) {
		result.Reason = "certificate revoked"
		return result, nil
	}

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     p.roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		var invalid x509.CertificateInvalidError
		var unknown x509.UnknownAuthorityError
		if errors.As(err, &invalid) || errors.As(err, &unknown) {
			result.Reason = err.Error()
			return result, nil
		}
		return result, domain.NewErrorWithCause(domain.CodeCertificateVerification, "certificate verification failed", err)
	}

	result.Valid = true
	return result, nil
}

// Revoke adds cert to the revocation list. Revoking twice is a no-op.
func (p *LocalCAProvider) Revoke(_ context.Context, cert *x509.Certificate) error {
	if cert == nil || cert.SerialNumber == nil {
		return domain.NewError(domain.CodeCertificateRevocation, "certificate has no serial number")
	}
	if err := cert.CheckSignatureFrom(p.caCert); err != nil {
		return domain.NewError(domain.CodeCertificateRevocation, "certificate was not issued by this authority").
			WithContext("subject", cert.Subject.CommonName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.revoked[cert.SerialNumber.String()]; !ok {
		p.revoked[cert.SerialNumber.String()] = time.Now()
	}
	return nil
}

func (p *LocalCAProvider) isRevoked(cert *x509.Certificate) bool {
	if cert.SerialNumber == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.revoked[cert.SerialNumber.String()]
	return ok
}

func (p *LocalCAProvider) generateCA() error {
	key, err := rsa.GenerateKey(rand.Reader, p.opts.KeySize)
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to generate CA key", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to generate CA serial", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   p.opts.Organization + " Local CA",
			Organization: []string{p.opts.Organization},
			Country:      countryList(p.opts.Country),
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(p.opts.CAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to create CA certificate", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to parse CA certificate", err)
	}
	p.caCert = caCert
	p.caKey = key

	if p.opts.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(p.opts.Dir, 0o750); err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to create certificate directory", err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to encode CA key", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := WriteCertificateFiles(certPEM, keyPEM,
		filepath.Join(p.opts.Dir, caCertFile), filepath.Join(p.opts.Dir, caKeyFile)); err != nil {
		return domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to persist CA", err)
	}
	return nil
}

func (p *LocalCAProvider) loadCA() (bool, error) {
	certPath := filepath.Join(p.opts.Dir, caCertFile)
	keyPath := filepath.Join(p.opts.Dir, caKeyFile)

	// #nosec G304 -- certificate directory is configured by the operator
	certPEM, err := os.ReadFile(certPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to read CA certificate", err)
	}
	// #nosec G304 -- certificate directory is configured by the operator
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return false, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to read CA key", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return false, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "invalid CA key pair", err).
			WithContext("dir", p.opts.Dir)
	}
	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return false, domain.NewErrorWithCause(domain.CodeCertificateGeneration, "failed to parse CA certificate", err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok || !caCert.IsCA {
		return false, domain.NewError(domain.CodeCertificateGeneration, "stored CA is not an RSA certificate authority").
			WithContext("dir", p.opts.Dir)
	}
	p.caCert = caCert
	p.caKey = key
	return true, nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil { //nolint:gosec // certificates are public
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	// Write key file with restricted permissions
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

func encodeKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func countryList(country string) []string {
	if country == "" {
		return nil
	}
	return []string{country}
}

func sanitizeFileName(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
