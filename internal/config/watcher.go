package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully loaded and validated config.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes on disk. fsnotify gives
// low-latency notification; content-hash polling covers mounted volumes
// that swap a "..data" symlink without emitting inotify events.
type Watcher struct {
	path         string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewWatcher creates a config file watcher. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fingerprint is the change-detection state for a set of files sharing a
// parent directory.
type fingerprint struct {
	dataLink string
	files    []string
	target   string
	hashes   []string
}

func newFingerprint(files ...string) *fingerprint {
	fp := &fingerprint{
		dataLink: filepath.Join(filepath.Dir(files[0]), "..data"),
		files:    files,
		hashes:   make([]string, len(files)),
	}
	fp.capture()
	return fp
}

// capture records the current symlink target and file hashes.
func (fp *fingerprint) capture() {
	fp.target = readlink(fp.dataLink)
	for i, f := range fp.files {
		fp.hashes[i] = hashFile(f)
	}
}

// stale reports whether any watched file changed since the last capture.
func (fp *fingerprint) stale() bool {
	if t := readlink(fp.dataLink); t != "" && t != fp.target {
		return true
	}
	for i, f := range fp.files {
		if hashFile(f) != fp.hashes[i] {
			return true
		}
	}
	return false
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx = w.withCancel(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	fp := newFingerprint(w.path)
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var (
		debounce   *time.Timer
		debounceCh <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Atomic save-and-rename drops the old inode from the watch.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			fp.capture()

		case <-poll.C:
			if fp.stale() {
				fp.capture()
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

func (w *Watcher) withCancel(ctx context.Context) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, w.cancel = context.WithCancel(ctx)
	return ctx
}

// reload keeps the previous config when the new file fails to load.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// CertReloadFunc is called when the TLS key pair changes on disk.
type CertReloadFunc func(certFile, keyFile string)

// CertWatcher polls a TLS key pair for changes. Secrets volumes swap
// symlinks, so polling is the only reliable signal.
type CertWatcher struct {
	certFile     string
	keyFile      string
	onChange     CertReloadFunc
	logger       *slog.Logger
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewCertWatcher creates a TLS key pair watcher.
func NewCertWatcher(certFile, keyFile string, onChange CertReloadFunc, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		onChange:     onChange,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start polls until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	fp := newFingerprint(cw.certFile, cw.keyFile)
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			if !fp.stale() {
				continue
			}
			fp.capture()
			cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
			cw.onChange(cw.certFile, cw.keyFile)
		}
	}
}

// Stop terminates Start. Safe to call more than once.
func (cw *CertWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		if cw.cancel != nil {
			cw.cancel()
		}
	})
}

// hashFile returns the SHA-256 digest of path, or "" when unreadable.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the symlink target of path, or "" if it is not a symlink.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
