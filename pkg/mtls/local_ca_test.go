package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
)

func newTestCA(t *testing.T, dir string) *LocalCAProvider {
	t.Helper()
	provider, err := NewLocalCAProvider(LocalCAOptions{
		Organization: "BEY",
		Country:      "CN",
		Dir:          dir,
		KeySize:      1024,
	})
	require.NoError(t, err)
	return provider
}

func TestLocalCAIssueAndVerify(t *testing.T) {
	provider := newTestCA(t, "")
	ctx := context.Background()

	cert, err := provider.Issue(ctx, "bey-laptop")
	require.NoError(t, err)
	assert.Equal(t, "bey-laptop", cert.Leaf.Subject.CommonName)
	assert.Equal(t, []string{"BEY"}, cert.Leaf.Subject.Organization)
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.Len(t, cert.TLS.Certificate, 2)
	assert.WithinDuration(t, time.Now().Add(90*24*time.Hour), cert.NotAfter(), time.Hour)

	result, err := provider.Verify(ctx, cert.Leaf)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "bey-laptop", result.DeviceID)
}

func TestLocalCARejectsForeignCertificates(t *testing.T) {
	ours := newTestCA(t, "")
	theirs := newTestCA(t, "")
	ctx := context.Background()

	foreign, err := theirs.Issue(ctx, "intruder")
	require.NoError(t, err)

	result, err := ours.Verify(ctx, foreign.Leaf)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Reason)

	err = ours.Revoke(ctx, foreign.Leaf)
	assert.True(t, domain.IsCode(err, domain.CodeCertificateRevocation))
}

func TestLocalCARevoke(t *testing.T) {
	provider := newTestCA(t, "")
	ctx := context.Background()

	cert, err := provider.Issue(ctx, "bey-phone")
	require.NoError(t, err)
	require.NoError(t, provider.Revoke(ctx, cert.Leaf))
	require.NoError(t, provider.Revoke(ctx, cert.Leaf))

	result, err := provider.Verify(ctx, cert.Leaf)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "certificate revoked", result.Reason)
}

func TestLocalCAPersistence(t *testing.T) {
	dir := t.TempDir()
	first := newTestCA(t, dir)

	cert, err := first.Issue(context.Background(), "bey-desk")
	require.NoError(t, err)
	for _, name := range []string{"ca.crt", "ca.key", "bey-desk.crt", "bey-desk.key"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	second := newTestCA(t, dir)
	assert.Equal(t, first.CACertificate().Raw, second.CACertificate().Raw)

	result, err := second.Verify(context.Background(), cert.Leaf)
	require.NoError(t, err)
	assert.True(t, result.Valid, "a reloaded authority trusts leaves issued before the restart")
}

func TestLocalCAIssueRequiresDeviceID(t *testing.T) {
	provider := newTestCA(t, "")
	_, err := provider.Issue(context.Background(), "")
	assert.True(t, domain.IsCode(err, domain.CodeCertificateGeneration))
}

// tcpPair returns both ends of a loopback TCP connection. Kernel buffers keep
// post-handshake session tickets from blocking the server.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestMutualHandshake(t *testing.T) {
	provider := newTestCA(t, "")
	ctx := context.Background()

	cfg := config.DefaultMtlsConfig()
	cfg.CertificatesDir = t.TempDir()
	server, err := NewManager(cfg, "server", provider, WithMetrics(noopMetrics(t)))
	require.NoError(t, err)
	client, err := NewManager(cfg, "client", provider, WithMetrics(noopMetrics(t)))
	require.NoError(t, err)

	serverConfig, err := server.ServerConfig(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	clientConfig, err := client.ClientConfig(ctx, "127.0.0.1:7000")
	require.NoError(t, err)

	serverConn, clientConn := tcpPair(t)
	serverTLS := tls.Server(serverConn, serverConfig)
	clientTLS := tls.Client(clientConn, clientConfig)

	errs := make(chan error, 1)
	go func() { errs <- serverTLS.HandshakeContext(ctx) }()
	require.NoError(t, clientTLS.HandshakeContext(ctx))
	require.NoError(t, <-errs)

	state := clientTLS.ConnectionState()
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
	assert.Equal(t, "bey-server", state.PeerCertificates[0].Subject.CommonName)
	assert.Equal(t, "bey-client", serverTLS.ConnectionState().PeerCertificates[0].Subject.CommonName)

	assert.Equal(t, uint64(1), server.Stats().CertificateVerifications)
	assert.Equal(t, uint64(1), client.Stats().CertificateVerifications)
}

func TestHandshakeRejectsRevokedPeer(t *testing.T) {
	provider := newTestCA(t, "")
	ctx := context.Background()

	cfg := config.DefaultMtlsConfig()
	cfg.CertificatesDir = t.TempDir()
	server, err := NewManager(cfg, "server", provider, WithMetrics(noopMetrics(t)))
	require.NoError(t, err)
	client, err := NewManager(cfg, "client", provider, WithMetrics(noopMetrics(t)))
	require.NoError(t, err)

	serverConfig, err := server.ServerConfig(ctx, "peer")
	require.NoError(t, err)
	require.NoError(t, provider.Revoke(ctx, serverConfig.Certificates[0].Leaf))

	clientConfig, err := client.ClientConfig(ctx, "peer")
	require.NoError(t, err)

	serverConn, clientConn := tcpPair(t)
	go func() {
		_ = tls.Server(serverConn, serverConfig).HandshakeContext(ctx)
		serverConn.Close()
	}()
	err = tls.Client(clientConn, clientConfig).HandshakeContext(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(1), client.Stats().VerificationFailures)
}
