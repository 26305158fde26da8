package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/mtls"
	"github.com/polisai/bey-transport/pkg/policy"
	"github.com/polisai/bey-transport/pkg/pool"
	"github.com/polisai/bey-transport/pkg/telemetry"
	"github.com/polisai/bey-transport/pkg/transport"
)

const (
	shutdownTimeout   = 10 * time.Second
	renewalCheckEvery = time.Hour
	renewBeforeExpiry = 7 * 24 * time.Hour
	eventBufferSize   = 256
	inboundPeerID     = "inbound"
	readHeaderTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a transport node with its admin endpoint",
		Long: `Run a transport node.

The admin listener exposes /metrics (Prometheus), /stats (JSON snapshot of
pool, mTLS and policy counters) and /healthz. With --listen the node also
accepts mutually authenticated peers and echoes what they send.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("admin", "", "Admin listen address (overrides admin.address)")
	cmd.Flags().String("listen", "", "Peer listen address for inbound mTLS connections")
	cmd.Flags().String("policies", "", "Policy bundle file or directory, reloaded on change")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	flags, cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	adminAddr, _ := cmd.Flags().GetString("admin")
	if adminAddr != "" {
		cfg.Admin.Address = adminAddr
	}
	listenAddr, _ := cmd.Flags().GetString("listen")
	bundlePath, _ := cmd.Flags().GetString("policies")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.ConfigFrom(cfg.Telemetry, flags.DeviceID))
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	provider, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to open certificate authority: %w", err)
	}

	tr, err := transport.New(*cfg, flags.DeviceID, provider, transport.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warn("Transport close failed", "error", err)
		}
	}()

	if bundlePath != "" {
		watcher, err := policy.NewBundleWatcher(tr.Policies(), bundlePath, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Close() //nolint:errcheck // best effort on shutdown
		logger.Info("Policy bundle loaded", "path", bundlePath, "sets", len(tr.Policies().PolicySets()))
	}

	if cfg.Mtls.Enabled {
		certWatcher, err := tr.Mtls().WatchCertificates(ctx)
		if err != nil {
			logger.Warn("Certificate directory watch disabled", "error", err)
		} else {
			defer certWatcher.Close() //nolint:errcheck // best effort on shutdown
		}
		monitor := mtls.NewRenewalMonitor(tr.Mtls(), renewalCheckEvery, renewBeforeExpiry)
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	metrics := telemetry.NewPoolMetrics(tr)
	events, unsubscribe := tr.Subscribe(eventBufferSize)
	defer unsubscribe()
	go metrics.Run(ctx, events)

	admin := &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           otelhttp.NewHandler(newAdminHandler(tr, metrics), "bey-admin"),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Admin server listening", "address", cfg.Admin.Address)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if listenAddr != "" {
		ln, err := listenPeers(ctx, tr, cfg, listenAddr)
		if err != nil {
			return err
		}
		defer ln.Close() //nolint:errcheck // closed during shutdown
		go func() {
			if err := servePeers(ctx, ln, logger); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("Starting bey-transport",
		"device", flags.DeviceID,
		"identity", tr.Mtls().LocalIdentity(),
		"mtls", cfg.Mtls.Enabled,
		"strategy", cfg.Pool.LoadBalanceStrategy,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error", "error", err)
		cancel()
		shutdownAdmin(admin, logger)
		return err
	case <-ctx.Done():
	}

	cancel()
	shutdownAdmin(admin, logger)
	logger.Info("bey-transport stopped")
	return nil
}

func shutdownAdmin(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Admin server shutdown failed", "error", err)
	}
}

// statsSnapshot is the body served by /stats.
type statsSnapshot struct {
	State       transport.State `json:"state"`
	Identity    string          `json:"identity"`
	Connections []string        `json:"connections"`
	Pool        pool.Stats      `json:"pool"`
	Mtls        mtls.Stats      `json:"mtls"`
	Policy      policy.Stats    `json:"policy"`
}

func newAdminHandler(tr *transport.Transport, metrics *telemetry.PoolMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statsSnapshot{
			State:       tr.State(),
			Identity:    tr.Mtls().LocalIdentity(),
			Connections: tr.ActiveConnections(),
			Pool:        tr.PoolStats(),
			Mtls:        tr.MtlsStats(),
			Policy:      tr.PolicyStats(),
		})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := tr.State()
		status := http.StatusOK
		if state != transport.StateReady {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"status": string(state)})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// listenPeers opens the inbound listener, wrapped in TLS when mTLS is enabled.
func listenPeers(ctx context.Context, tr *transport.Transport, cfg *config.Config, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if !cfg.Mtls.Enabled {
		return ln, nil
	}
	tlsCfg, err := tr.ServerConfig(ctx, inboundPeerID)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func servePeers(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	logger.Info("Accepting peers", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept peer: %w", err)
		}
		go handlePeer(ctx, conn, logger)
	}
}

// handlePeer completes the handshake, logs the authenticated peer and echoes
// its traffic until either side closes.
func handlePeer(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	defer conn.Close() //nolint:errcheck // connection is done

	peer := "unauthenticated"
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			logger.Warn("Peer handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
			peer = certs[0].Subject.CommonName
		}
	}
	logger.Info("Peer connected", "remote", conn.RemoteAddr().String(), "peer", peer)

	n, err := io.Copy(conn, conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("Peer stream ended", "peer", peer, "error", err)
	}
	logger.Info("Peer disconnected", "peer", peer, "bytes", n)
}
