package mtls

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// CertificateWatcher clears the configuration cache whenever the trust
// material in the certificates directory changes, so the next lookup reissues
// from the provider. Leaves written there by the local CA on every issue are
// ignored; only ca.crt and ca.key are operator managed.
type CertificateWatcher struct {
	manager *Manager
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan struct{}
}

// WatchCertificates starts watching the configured certificates directory.
// The directory is created when missing.
func (m *Manager) WatchCertificates(ctx context.Context) (*CertificateWatcher, error) {
	dir := m.cfg.CertificatesDir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create certificates directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &CertificateWatcher{
		manager: m,
		dir:     dir,
		watcher: watcher,
		logger:  m.log.logger,
		cancel:  cancel,
		events:  make(chan struct{}, 1),
	}
	w.wg.Add(1)
	go w.watchLoop(ctx)
	return w, nil
}

// Invalidations signals after each debounced cache clear.
func (w *CertificateWatcher) Invalidations() <-chan struct{} {
	return w.events
}

// Close stops watching.
func (w *CertificateWatcher) Close() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *CertificateWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isTrustFile(event.Name) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounce, func() {
				w.logger.Info("Certificates directory changed", "dir", w.dir, "file", event.Name)
				w.manager.Clear()
				select {
				case w.events <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Certificate watcher error", "error", err)
		}
	}
}

func isTrustFile(name string) bool {
	switch filepath.Base(name) {
	case caCertFile, caKeyFile:
		return true
	}
	return false
}
