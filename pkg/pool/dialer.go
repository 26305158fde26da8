package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Dialer opens new connections for the pool.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return f(ctx, addr)
}

// HealthChecker probes an idle connection. A nil error means healthy.
type HealthChecker func(ctx context.Context, conn net.Conn) error

// Pinger is implemented by connections with an application-level liveness
// probe; the default health checker prefers it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConfigSource supplies per-peer client TLS configurations. A nil config
// means the peer is dialled without TLS.
type ConfigSource interface {
	ClientConfig(ctx context.Context, peerID string) (*tls.Config, error)
}

type connectionRecorder interface {
	RecordConnection(ctx context.Context, success bool)
}

type tlsConfigKey struct{}

type routingKey struct{}

// WithTLSConfig attaches a client TLS config for the next dial made on behalf
// of ctx, so callers that already fetched one avoid a second lookup.
func WithTLSConfig(ctx context.Context, cfg *tls.Config) context.Context {
	return context.WithValue(ctx, tlsConfigKey{}, cfg)
}

// WithRoutingKey sets the key used by the consistent hash strategy.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

func routingKeyFrom(ctx context.Context, fallback string) string {
	if key, ok := ctx.Value(routingKey{}).(string); ok && key != "" {
		return key
	}
	return fallback
}

// TLSDialer dials TCP and performs a client TLS handshake with a
// configuration from Configs.
type TLSDialer struct {
	Configs ConfigSource
	// KeepAlive is the TCP keep-alive period; the pool sets it from
	// heartbeat_interval.
	KeepAlive time.Duration
}

// Dial implements Dialer.
func (d *TLSDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	cfg, _ := ctx.Value(tlsConfigKey{}).(*tls.Config)
	if cfg == nil && d.Configs != nil {
		var err error
		cfg, err = d.Configs.ClientConfig(ctx, addr)
		if err != nil {
			return nil, err
		}
	}

	netDialer := &net.Dialer{KeepAlive: d.KeepAlive}
	if cfg == nil {
		return netDialer.DialContext(ctx, "tcp", addr)
	}

	dialer := &tls.Dialer{NetDialer: netDialer, Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if recorder, ok := d.Configs.(connectionRecorder); ok {
		recorder.RecordConnection(ctx, err == nil)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DefaultHealthChecker uses Pinger when available. Otherwise it polls the
// socket briefly: an idle connection must have nothing to read and must not
// be closed by the peer.
func DefaultHealthChecker(ctx context.Context, conn net.Conn) error {
	if p, ok := conn.(Pinger); ok {
		return p.Ping(ctx)
	}

	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best effort reset

	var buf [1]byte
	n, err := conn.Read(buf[:])
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	case err == nil && n > 0:
		return errors.New("unexpected data on idle connection")
	case errors.Is(err, io.EOF):
		return errors.New("connection closed by peer")
	default:
		return err
	}
}
