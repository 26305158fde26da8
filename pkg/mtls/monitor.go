package mtls

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RenewalMonitor renews the local certificate when a cached configuration is
// about to expire.
type RenewalMonitor struct {
	manager       *Manager
	checkInterval time.Duration
	renewBefore   time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRenewalMonitor checks every checkInterval and renews when any cached
// certificate expires within renewBefore.
func NewRenewalMonitor(manager *Manager, checkInterval, renewBefore time.Duration) *RenewalMonitor {
	if checkInterval <= 0 {
		checkInterval = time.Hour
	}
	if renewBefore <= 0 {
		renewBefore = 7 * 24 * time.Hour
	}
	return &RenewalMonitor{
		manager:       manager,
		checkInterval: checkInterval,
		renewBefore:   renewBefore,
		logger:        manager.log.logger,
	}
}

// Start begins monitoring.
func (r *RenewalMonitor) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop stops monitoring and waits for an in-flight check.
func (r *RenewalMonitor) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *RenewalMonitor) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Check renews once if needed and reports whether a renewal was attempted.
func (r *RenewalMonitor) Check(ctx context.Context) bool {
	expiring := r.manager.ExpiringWithin(r.renewBefore)
	if len(expiring) == 0 {
		return false
	}
	r.logger.Info("Cached certificates nearing expiry", "count", len(expiring), "renew_before", r.renewBefore)
	if err := r.manager.UpdateCertificates(ctx); err != nil {
		r.logger.Error("Scheduled certificate renewal failed", "error", err)
	}
	return true
}
