package policy

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

const bundleDebounce = 100 * time.Millisecond

// BundleWatcher keeps an engine in sync with a bundle file or directory.
// Sets that disappear from the bundle are removed from the engine; sets
// registered by other means are left alone.
type BundleWatcher struct {
	engine  *Engine
	path    string
	dir     string
	isDir   bool
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	owned   map[string]struct{}
	reloads chan error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBundleWatcher loads path into engine once and prepares to watch it.
func NewBundleWatcher(engine *Engine, path string, logger *slog.Logger) (*BundleWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat policy bundle: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &BundleWatcher{
		engine:  engine,
		path:    absPath,
		isDir:   info.IsDir(),
		logger:  logger.With("component", "policy_bundle"),
		owned:   make(map[string]struct{}),
		reloads: make(chan error, 1),
	}
	w.dir = absPath
	if !w.isDir {
		w.dir = filepath.Dir(absPath)
	}

	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reloads delivers the outcome of every change-triggered reload. Slow readers
// miss intermediate results.
func (w *BundleWatcher) Reloads() <-chan error {
	return w.reloads
}

// Start begins watching until ctx is cancelled or Close is called.
func (w *BundleWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watchLoop(ctx)
	return nil
}

// Close stops the watcher.
func (w *BundleWatcher) Close() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return w.watcher.Close()
}

// Reload re-reads the bundle and reconciles the engine with it.
func (w *BundleWatcher) Reload() error {
	bundle, err := LoadBundle(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := bundle.Apply(w.engine)
	if err != nil {
		return err
	}
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	removed := 0
	for id := range w.owned {
		if _, still := next[id]; !still {
			w.engine.RemovePolicySet(id)
			removed++
		}
	}
	w.owned = next

	w.logger.LogAttrs(context.Background(), slog.LevelInfo, "Policy bundle loaded",
		slog.String("event", "policy_bundle_loaded"),
		slog.String("path", w.path),
		slog.Int("sets", len(ids)),
		slog.Int("removed", removed),
	)
	return nil
}

func (w *BundleWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

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
			if !w.relevant(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(bundleDebounce, func() {
				err := w.Reload()
				if err != nil {
					w.logger.LogAttrs(context.Background(), slog.LevelError, "Policy bundle reload failed",
						slog.String("event", "policy_bundle_reload_failed"),
						slog.String("path", w.path),
						slog.String("error", err.Error()),
					)
				}
				select {
				case w.reloads <- err:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Policy bundle watcher error", "error", err)
		}
	}
}

func (w *BundleWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	if w.isDir {
		return isBundleFile(name)
	}
	return name == w.path
}
