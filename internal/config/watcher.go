package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher reloads a config file whenever its content changes.
//
// Only settings the service can change at runtime (server.log_level and
// server.max_upload_bytes) are taken over from a reloaded file. Everything
// else in [Watcher.Current] keeps the value the process started with, and
// every reload reports those fields in [ConfigDiff.RestartRequired] until
// the file matches the running config again or the process restarts.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval used by [Watcher.Run]. The default
// is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads and validates the file at path. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done. After every reload that changed the
// file content onChange receives the diff against the previous config and
// the config now in effect. Invalid files are logged and skipped.
func (w *Watcher) Run(ctx context.Context, onChange func(ConfigDiff, *Config)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d, changed, err := w.Reload()
		if err != nil {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			continue
		}
		if changed && onChange != nil {
			onChange(d, w.Current())
		}
	}
}

// Reload reads the file once. changed is false when the modification time
// or the content is unchanged. An unreadable or invalid file returns an
// error and leaves Current untouched.
func (w *Watcher) Reload() (d ConfigDiff, changed bool, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, false, err
	}
	w.mu.Lock()
	touched := !info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if !touched {
		return ConfigDiff{}, false, nil
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		return ConfigDiff{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		return ConfigDiff{}, false, nil
	}
	w.sum = snap.sum

	d = Diff(w.current, snap.cfg)
	w.current = withRuntimeSettings(w.current, snap.cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", w.current.Server.LogLevel,
		"max_upload_bytes", w.current.Server.MaxUploadBytes,
		"restart_required", d.RestartRequired,
	)
	return d, true, nil
}

// withRuntimeSettings returns a copy of running carrying the hot-reloadable
// settings of next.
func withRuntimeSettings(running, next *Config) *Config {
	out := *running
	out.Server.LogLevel = next.Server.LogLevel
	out.Server.MaxUploadBytes = next.Server.MaxUploadBytes
	return &out
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// readSnapshot parses and validates the file and records its content hash
// and modification time.
func readSnapshot(path string) (snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return snapshot{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return snapshot{}, err
	}
	var data bytes.Buffer
	if _, err := data.ReadFrom(f); err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data.Bytes()))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data.Bytes())}, nil
}
