package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
	"github.com/polisai/bey-transport/pkg/mtls"
	"github.com/polisai/bey-transport/pkg/policy"
	"github.com/polisai/bey-transport/pkg/pool"
)

type pipeDialer struct {
	mu      sync.Mutex
	dials   atomic.Int64
	fail    error
	remotes []net.Conn
}

func (d *pipeDialer) Dial(_ context.Context, _ string) (net.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	local, remote := net.Pipe()
	d.remotes = append(d.remotes, remote)
	return local, nil
}

func (d *pipeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.remotes {
		_ = c.Close()
	}
}

var (
	caOnce     sync.Once
	caProvider *mtls.LocalCAProvider
	caErr      error
)

func testCA(t *testing.T) *mtls.LocalCAProvider {
	t.Helper()
	caOnce.Do(func() {
		caProvider, caErr = mtls.NewLocalCAProvider(mtls.LocalCAOptions{KeySize: 1024})
	})
	require.NoError(t, caErr)
	return caProvider
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Mtls.CertificatesDir = t.TempDir()
	cfg.Pool.EnableWarmup = false
	cfg.Pool.MaxRetries = 0
	return cfg
}

func newTestTransport(t *testing.T, deviceID string, dialer pool.Dialer, mutate ...func(*config.Config)) *Transport {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range mutate {
		fn(&cfg)
	}
	opts := []Option{WithoutBackgroundLoops(), WithPoolOptions(pool.WithHealthChecker(func(context.Context, net.Conn) error { return nil }))}
	if dialer != nil {
		opts = append(opts, WithDialer(dialer))
	}
	tr, err := New(cfg, deviceID, testCA(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNewIsReady(t *testing.T) {
	tr := newTestTransport(t, "laptop", &pipeDialer{})
	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, "bey-laptop", tr.Mtls().LocalIdentity())
	assert.Empty(t, tr.Policies().PolicySets())
	assert.Zero(t, tr.ActiveConnectionsCount())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mtls.ConfigCacheTTL = 0
	_, err := New(cfg, "laptop", testCA(t))
	assert.True(t, domain.IsCode(err, domain.CodeInvalidCacheTTL))

	_, err = New(testConfig(t), "", testCA(t))
	assert.True(t, domain.IsCode(err, domain.CodeInitFailed))
}

func TestDisconnectWithoutConnection(t *testing.T) {
	dialer := &pipeDialer{}
	tr := newTestTransport(t, "laptop", dialer)
	before := tr.PoolStats()

	err := tr.Disconnect(context.Background(), "10.0.0.5:7000")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))

	_, known := tr.PeerState("10.0.0.5:7000")
	assert.False(t, known)
	assert.Equal(t, before, tr.PoolStats())
	assert.Zero(t, dialer.dials.Load())
}

func TestConnectDeniedByPolicy(t *testing.T) {
	dialer := &pipeDialer{}
	tr := newTestTransport(t, "laptop", dialer)

	set := policy.NewSet("lan-guard", policy.ActionAllow).
		AddRule(policy.NewRule("block-printer", 100, policy.ActionDeny,
			policy.NewCondition("resource", policy.OpEquals, "10.0.0.66:7000")))
	require.NoError(t, tr.Policies().RegisterPolicySet(set))

	_, err := tr.Connect(context.Background(), "10.0.0.66:7000")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodePermissionDenied))
	assert.Equal(t, domain.CategoryPolicy, domain.CategoryOf(err))

	assert.Zero(t, dialer.dials.Load(), "a denied connect never touches the pool")
	assert.Zero(t, tr.PoolStats().TotalConnections)
	assert.Zero(t, tr.MtlsStats().ConfigGenerations)
	assert.Equal(t, uint64(1), tr.PolicyStats().Decisions[policy.ActionDeny])

	conn, err := tr.Connect(context.Background(), "10.0.0.7:7000")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, conn.Decision().Action)
}

func TestConnectNonAllowActionIsDenied(t *testing.T) {
	tr := newTestTransport(t, "laptop", &pipeDialer{})
	require.NoError(t, tr.Policies().RegisterPolicySet(policy.NewSet("review", policy.ActionRequireApproval)))

	_, err := tr.Connect(context.Background(), "10.0.0.7:7000")
	assert.True(t, domain.IsCode(err, domain.CodePermissionDenied))
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.close()
	tr := newTestTransport(t, "laptop", dialer)
	ctx := context.Background()
	const addr = "10.0.0.7:7000"

	conn, err := tr.Connect(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, addr, conn.Addr())
	assert.NotNil(t, conn.Conn())
	state, _ := tr.PeerState(addr)
	assert.Equal(t, PeerConnected, state)
	assert.Equal(t, []string{addr}, tr.ActiveConnections())
	assert.Equal(t, 1, tr.ActiveConnectionsCount())

	again, err := tr.Connect(ctx, addr)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, int64(1), dialer.dials.Load())

	require.NoError(t, tr.Disconnect(ctx, addr))
	state, _ = tr.PeerState(addr)
	assert.Equal(t, PeerClosed, state)
	assert.Zero(t, tr.ActiveConnectionsCount())
	assert.Equal(t, 1, tr.PoolStats().IdleConnections)
	assert.True(t, domain.IsCode(tr.Disconnect(ctx, addr), domain.CodeNotFound))

	reconnected, err := tr.Connect(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, conn.ID(), reconnected.ID(), "the pooled connection is reused")
	assert.Equal(t, uint64(1), tr.PoolStats().Reused)

	stats := tr.MtlsStats()
	assert.Equal(t, uint64(1), stats.ConfigGenerations)
	assert.Equal(t, uint64(1), stats.ConfigCacheHits)
}

func TestConnectPoolFailureLeavesPeerClosed(t *testing.T) {
	dialer := &pipeDialer{fail: errors.New("no route to host")}
	tr := newTestTransport(t, "laptop", dialer)

	_, err := tr.Connect(context.Background(), "10.0.0.9:7000")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeConnectionCreationFailed))

	state, known := tr.PeerState("10.0.0.9:7000")
	assert.True(t, known)
	assert.Equal(t, PeerClosed, state)
	assert.Zero(t, tr.ActiveConnectionsCount())
}

func TestConcurrentConnectsShareOneConnection(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.close()
	tr := newTestTransport(t, "laptop", dialer)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := tr.Connect(context.Background(), "10.0.0.7:7000")
			if assert.NoError(t, err) {
				ids[i] = conn.ID()
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, tr.ActiveConnectionsCount())
	assert.Equal(t, 1, tr.PoolStats().ActiveConnections, "losing connects return their lease")
}

func TestUpdateCertificates(t *testing.T) {
	tr := newTestTransport(t, "laptop", &pipeDialer{})
	require.NoError(t, tr.UpdateCertificates(context.Background()))
	assert.GreaterOrEqual(t, tr.MtlsStats().CertificateRenewals, uint64(1))
}

func TestCloseReleasesConnections(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.close()
	tr := newTestTransport(t, "laptop", dialer)
	ctx := context.Background()

	_, err := tr.Connect(ctx, "10.0.0.7:7000")
	require.NoError(t, err)
	_, err = tr.Connect(ctx, "10.0.0.8:7000")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
	assert.Zero(t, tr.ActiveConnectionsCount())
	assert.Zero(t, tr.PoolStats().TotalConnections)

	_, err = tr.Connect(ctx, "10.0.0.7:7000")
	assert.True(t, domain.IsCode(err, domain.CodeTransportClosed))
	assert.True(t, domain.IsCode(tr.UpdateCertificates(ctx), domain.CodeTransportClosed))
}

func TestMutualTLSBetweenTransports(t *testing.T) {
	ctx := context.Background()
	server := newTestTransport(t, "desktop", nil)
	client := newTestTransport(t, "laptop", nil)

	serverConfig, err := server.ServerConfig(ctx, "inbound")
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	require.NoError(t, err)
	defer ln.Close()

	peers := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			peers <- "handshake failed: " + err.Error()
			return
		}
		peers <- tlsConn.ConnectionState().PeerCertificates[0].Subject.CommonName
		_, _ = conn.Read(make([]byte, 1))
	}()

	conn, err := client.Connect(ctx, ln.Addr().String())
	require.NoError(t, err)

	tlsConn, ok := conn.Conn().(*tls.Conn)
	require.True(t, ok, "connections are dialled over TLS")
	state := tlsConn.ConnectionState()
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
	assert.Equal(t, "bey-desktop", state.PeerCertificates[0].Subject.CommonName)
	assert.Equal(t, "bey-laptop", <-peers)

	assert.Equal(t, uint64(1), client.MtlsStats().ConnectionsEstablished)
	assert.Equal(t, uint64(1), client.MtlsStats().CertificateVerifications)
	assert.Equal(t, uint64(1), server.MtlsStats().CertificateVerifications)
	require.NoError(t, client.Disconnect(ctx, ln.Addr().String()))
}

func TestDisabledMtlsDialsPlainTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Read(make([]byte, 1))
			_ = conn.Close()
		}
	}()

	tr := newTestTransport(t, "laptop", nil, func(cfg *config.Config) { cfg.Mtls.Enabled = false })
	conn, err := tr.Connect(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	_, isTLS := conn.Conn().(*tls.Conn)
	assert.False(t, isTLS)
	assert.Zero(t, tr.MtlsStats().ConnectionsEstablished)
}
