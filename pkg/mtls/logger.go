package mtls

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/bey-transport/pkg/domain"
)

// eventLogger provides structured logging for mTLS lifecycle events.
type eventLogger struct {
	logger *slog.Logger
}

func newEventLogger(logger *slog.Logger) *eventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventLogger{logger: logger.With("component", "mtls")}
}

func (l *eventLogger) configGenerated(ctx context.Context, kind configKind, peerID string, cert *Certificate, duration time.Duration) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS configuration generated",
		slog.String("event", "config_generated"),
		slog.String("kind", string(kind)),
		slog.String("peer_id", peerID),
		slog.String("device_id", cert.DeviceID),
		slog.Time("not_after", cert.NotAfter()),
		slog.Duration("duration", duration),
	)
}

func (l *eventLogger) configGenerationFailed(ctx context.Context, kind configKind, peerID string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelError, "TLS configuration generation failed",
		slog.String("event", "config_generation_failed"),
		slog.String("kind", string(kind)),
		slog.String("peer_id", peerID),
		slog.String("error", err.Error()),
		slog.String("severity", domain.SeverityOf(err).String()),
	)
}

func (l *eventLogger) renewed(ctx context.Context, deviceID string, refreshed int, notAfter time.Time) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "Certificates renewed",
		slog.String("event", "certificate_renewed"),
		slog.String("device_id", deviceID),
		slog.Int("refreshed_configs", refreshed),
		slog.Time("not_after", notAfter),
	)
}

func (l *eventLogger) renewalFailed(ctx context.Context, deviceID string, consecutive int, purged bool, err error) {
	l.logger.LogAttrs(ctx, slog.LevelError, "Certificate renewal failed",
		slog.String("event", "certificate_renewal_failed"),
		slog.String("device_id", deviceID),
		slog.Int("consecutive_failures", consecutive),
		slog.Bool("cache_purged", purged),
		slog.String("error", err.Error()),
	)
}

func (l *eventLogger) verification(ctx context.Context, result VerificationResult) {
	level := slog.LevelDebug
	if !result.Valid {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "Peer certificate verified",
		slog.String("event", "certificate_verification"),
		slog.String("device_id", result.DeviceID),
		slog.Bool("valid", result.Valid),
		slog.String("reason", result.Reason),
		slog.Time("expires_at", result.ExpiresAt),
	)
}

func (l *eventLogger) cacheInvalidated(ctx context.Context, reason string, removed int) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS configuration cache invalidated",
		slog.String("event", "config_cache_invalidated"),
		slog.String("reason", reason),
		slog.Int("removed", removed),
	)
}
