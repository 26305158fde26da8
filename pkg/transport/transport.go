package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
	"github.com/polisai/bey-transport/pkg/mtls"
	"github.com/polisai/bey-transport/pkg/policy"
	"github.com/polisai/bey-transport/pkg/pool"
	"github.com/polisai/bey-transport/pkg/telemetry"
)

// OperationConnect is the policy operation evaluated by Connect.
const OperationConnect = "connect"

// State is the lifecycle state of a transport.
type State string

const (
	StateCreated State = "created"
	StateReady   State = "ready"
	StateClosed  State = "closed"
)

// PeerState is the connection state of one remote address.
type PeerState string

const (
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerClosed     PeerState = "closed"
)

// Option customises a Transport.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	dialer     pool.Dialer
	poolOpts   []pool.Option
	mtlsOpts   []mtls.Option
	tracer     trace.Tracer
	startLoops bool
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the TLS dialer used by the pool.
func WithDialer(dialer pool.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithPoolOptions passes options through to the connection pool.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(o *options) { o.poolOpts = append(o.poolOpts, opts...) }
}

// WithMtlsOptions passes options through to the mTLS manager.
func WithMtlsOptions(opts ...mtls.Option) Option {
	return func(o *options) { o.mtlsOpts = append(o.mtlsOpts, opts...) }
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithoutBackgroundLoops leaves the pool health and maintenance loops
// stopped; callers drive them explicitly.
func WithoutBackgroundLoops() Option {
	return func(o *options) { o.startLoops = false }
}

type peer struct {
	state PeerState
	conn  *Connection
}

// Transport is the SecureTransport orchestrator. Every Connect is gated by
// the policy engine, dialled with a client configuration from the mTLS
// manager and served from the connection pool.
type Transport struct {
	cfg      config.Config
	deviceID string
	logger   *slog.Logger
	tracer   trace.Tracer

	mtls     *mtls.Manager
	policies *policy.Engine
	pool     *pool.Pool

	mu    sync.Mutex
	state State
	peers map[string]*peer
}

// New builds the mTLS manager, an empty policy engine and the pool from cfg
// and returns a Ready transport.
func New(cfg config.Config, deviceID string, provider mtls.CertificateProvider, opts ...Option) (*Transport, error) {
	o := options{startLoops: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = telemetry.Tracer()
	}

	t := &Transport{
		deviceID: deviceID,
		logger:   o.logger.With("component", "transport"),
		tracer:   o.tracer,
		state:    StateCreated,
		peers:    make(map[string]*peer),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t.cfg = cfg

	var err error
	t.mtls, err = mtls.NewManager(cfg.Mtls, deviceID, provider, append([]mtls.Option{mtls.WithLogger(o.logger)}, o.mtlsOpts...)...)
	if err != nil {
		return nil, err
	}
	t.policies, err = policy.NewEngine(cfg.Policy, o.logger)
	if err != nil {
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = &pool.TLSDialer{Configs: t.mtls, KeepAlive: cfg.Pool.HeartbeatInterval}
	}
	t.pool, err = pool.New(cfg.Pool, dialer, append([]pool.Option{pool.WithLogger(o.logger)}, o.poolOpts...)...)
	if err != nil {
		return nil, err
	}
	if o.startLoops {
		t.pool.Start()
	}

	t.state = StateReady
	t.logger.LogAttrs(context.Background(), slog.LevelInfo, "Secure transport ready",
		slog.String("event", "transport_ready"),
		slog.String("identity", t.mtls.LocalIdentity()),
		slog.Bool("mtls_enabled", t.mtls.Enabled()),
		slog.String("strategy", string(t.pool.Strategy())),
	)
	return t, nil
}

// Connect opens, or returns the existing, connection to addr.
func (t *Transport) Connect(ctx context.Context, addr string) (conn *Connection, err error) {
	start := time.Now()
	pc := policy.NewContext(t.deviceID, addr, OperationConnect)

	ctx, span := t.tracer.Start(ctx, "transport.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.PolicyAttributes(pc)...),
	)
	defer func() {
		outcome := telemetry.OutcomeConnected
		switch {
		case domain.IsCode(err, domain.CodePermissionDenied):
			outcome = telemetry.OutcomeDenied
		case err != nil:
			outcome = telemetry.OutcomeFailed
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		telemetry.RecordConnect(ctx, telemetry.ConnectMetrics{
			Peer:      addr,
			Outcome:   outcome,
			ErrorCode: int(domain.CodeOf(err)),
			Duration:  time.Since(start),
		})
	}()

	if err := t.checkReady(); err != nil {
		return nil, err
	}

	decision, err := t.policies.Enforce(pc)
	if decision.RequestID != "" {
		telemetry.RecordPolicyDecision(ctx, OperationConnect, string(decision.Action), decision.Cached)
		telemetry.RecordPolicyEvent(span, string(decision.Action), decision.DecidingSet, matchedRules(decision), decision.Cached)
	}
	if err != nil {
		t.logger.LogAttrs(ctx, slog.LevelWarn, "Connection refused by policy",
			slog.String("event", "connect_denied"),
			slog.String("addr", addr),
			slog.String("action", string(decision.Action)),
			slog.String("deciding_set", decision.DecidingSet),
			slog.String("reason", decision.Reason),
		)
		return nil, err
	}

	if existing, ok := t.beginConnect(addr); ok {
		span.SetAttributes(attribute.Bool("transport.reused", true))
		return existing, nil
	}

	tlsConfig, err := t.mtls.ClientConfig(ctx, addr)
	if err != nil {
		t.abortConnect(addr)
		return nil, err
	}

	lease, err := t.pool.Acquire(pool.WithTLSConfig(ctx, tlsConfig), addr, 0)
	if err != nil {
		t.abortConnect(addr)
		t.logger.LogAttrs(ctx, slog.LevelWarn, "Failed to connect",
			slog.String("event", "connect_failed"),
			slog.String("addr", addr),
			slog.Any("error", err),
		)
		return nil, err
	}

	conn = newConnection(t, lease, decision)
	winner := t.finishConnect(addr, conn)
	if winner == nil {
		lease.Release()
		return nil, domain.NewError(domain.CodeTransportClosed, "transport closed while connecting").
			WithContext("addr", addr)
	}
	if winner != conn {
		lease.Release()
		return winner, nil
	}
	span.SetAttributes(attribute.String("transport.connection_id", lease.ID()))
	t.logger.LogAttrs(ctx, slog.LevelInfo, "Connected",
		slog.String("event", "connected"),
		slog.String("addr", addr),
		slog.String("connection_id", lease.ID()),
		slog.Bool("mtls", tlsConfig != nil),
	)
	return conn, nil
}

func matchedRules(d policy.Decision) int {
	n := 0
	for _, r := range d.SetResults {
		n += len(r.MatchedRules)
	}
	return n
}

// beginConnect returns the live connection for addr, or marks the peer
// Connecting.
func (t *Transport) beginConnect(addr string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok && p.state == PeerConnected {
		return p.conn, true
	}
	t.peers[addr] = &peer{state: PeerConnecting}
	return nil, false
}

// finishConnect installs conn unless a concurrent Connect for the same
// address won; the installed connection is returned.
func (t *Transport) finishConnect(addr string, conn *Connection) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok && p.state == PeerConnected {
		return p.conn
	}
	if t.state != StateReady {
		// Close ran while dialing; the lease is released by the caller.
		t.peers[addr] = &peer{state: PeerClosed}
		return nil
	}
	t.peers[addr] = &peer{state: PeerConnected, conn: conn}
	return conn
}

func (t *Transport) abortConnect(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok && p.state == PeerConnecting {
		p.state = PeerClosed
	}
}

// Disconnect releases the active connection to addr back to the pool.
func (t *Transport) Disconnect(ctx context.Context, addr string) error {
	_, span := t.tracer.Start(ctx, "transport.disconnect",
		trace.WithAttributes(attribute.String("peer.address", addr)))
	defer span.End()

	t.mu.Lock()
	p, ok := t.peers[addr]
	if !ok || p.state != PeerConnected {
		t.mu.Unlock()
		err := domain.NewError(domain.CodeNotFound, "no active connection").WithContext("addr", addr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.RecordDisconnect(ctx, addr, false)
		return err
	}
	conn := p.conn
	t.peers[addr] = &peer{state: PeerClosed}
	t.mu.Unlock()

	conn.release()
	telemetry.RecordDisconnect(ctx, addr, true)
	t.logger.LogAttrs(ctx, slog.LevelInfo, "Disconnected",
		slog.String("event", "disconnected"),
		slog.String("addr", addr),
		slog.String("connection_id", conn.ID()),
	)
	return nil
}

// ActiveConnections returns the connected addresses, sorted.
func (t *Transport) ActiveConnections() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	addrs := make([]string, 0, len(t.peers))
	for addr, p := range t.peers {
		if p.state == PeerConnected {
			addrs = append(addrs, addr)
		}
	}
	slices.Sort(addrs)
	return addrs
}

// ActiveConnectionsCount returns the number of connected addresses.
func (t *Transport) ActiveConnectionsCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.peers {
		if p.state == PeerConnected {
			n++
		}
	}
	return n
}

// PeerState reports the state of addr; false when it was never connected.
func (t *Transport) PeerState(addr string) (PeerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		return "", false
	}
	return p.state, true
}

// State returns the transport lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UpdateCertificates renews the local certificate.
func (t *Transport) UpdateCertificates(ctx context.Context) error {
	if err := t.checkReady(); err != nil {
		return err
	}
	return t.mtls.UpdateCertificates(ctx)
}

// MtlsStats returns a snapshot of the mTLS counters.
func (t *Transport) MtlsStats() mtls.Stats { return t.mtls.Stats() }

// PolicyStats returns a snapshot of the policy engine counters.
func (t *Transport) PolicyStats() policy.Stats { return t.policies.Stats() }

// PoolStats returns a snapshot of the pool counters.
func (t *Transport) PoolStats() pool.Stats { return t.pool.Stats() }

// Policies returns the policy engine for set registration.
func (t *Transport) Policies() *policy.Engine { return t.policies }

// Mtls returns the mTLS manager.
func (t *Transport) Mtls() *mtls.Manager { return t.mtls }

// Pool returns the connection pool.
func (t *Transport) Pool() *pool.Pool { return t.pool }

// Subscribe returns a channel of pool events.
func (t *Transport) Subscribe(buffer int) (<-chan pool.Event, func()) {
	return t.pool.Subscribe(buffer)
}

// ServerConfig returns the TLS configuration for accepting peerID. A nil
// configuration means mTLS is disabled.
func (t *Transport) ServerConfig(ctx context.Context, peerID string) (*tls.Config, error) {
	return t.mtls.ServerConfig(ctx, peerID)
}

// Close releases every active connection and closes the pool.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	var conns []*Connection
	for addr, p := range t.peers {
		if p.state == PeerConnected {
			conns = append(conns, p.conn)
		}
		t.peers[addr] = &peer{state: PeerClosed}
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.release()
	}
	err := t.pool.Close()
	t.logger.Info("Secure transport closed", "released", len(conns))
	return err
}

func (t *Transport) checkReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady {
		return domain.NewError(domain.CodeTransportClosed, "transport is not ready").
			WithContext("state", string(t.state))
	}
	return nil
}

// Connection is the handle returned by Connect. It stays valid until the
// address is disconnected or the transport closes.
type Connection struct {
	transport *Transport
	lease     *pool.Lease
	decision  policy.Decision
}

func newConnection(t *Transport, lease *pool.Lease, decision policy.Decision) *Connection {
	return &Connection{transport: t, lease: lease, decision: decision}
}

// Conn returns the underlying network connection.
func (c *Connection) Conn() net.Conn { return c.lease.Conn() }

// ID returns the pooled connection id.
func (c *Connection) ID() string { return c.lease.ID() }

// Addr returns the remote address.
func (c *Connection) Addr() string { return c.lease.Addr() }

// Decision returns the policy decision that admitted the connection.
func (c *Connection) Decision() policy.Decision { return c.decision }

// Info returns a snapshot of the pooled connection.
func (c *Connection) Info() pool.ConnectionInfo { return c.lease.Info() }

// MarkFailed records an error on the connection; enough failures retire it
// from the pool.
func (c *Connection) MarkFailed() { c.lease.MarkFailed() }

func (c *Connection) release() { c.lease.Release() }
