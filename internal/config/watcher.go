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

// Change is delivered by a [Watcher] when the file on disk describes a
// different configuration than the current one.
type Change struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher keeps the tuner's configuration in sync with its YAML file. The
// file is polled; an edit that fails to parse or validate is logged and the
// last good config stays current. Edits that only touch comments or
// formatting replace the current config without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)

	mu      sync.Mutex
	current *Config
	seen    fileStamp
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. onChange may be nil. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil so it can share an
// errgroup with the HTTP server.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.modified() {
				if err := w.Reload(); err != nil {
					slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
				}
			}
		}
	}
}

// modified reports whether the file's size or mtime moved since the last
// read. Stat failures count as modified so Reload can report them.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.Size() != w.seen.size || !info.ModTime().Equal(w.seen.mtime)
}

// Reload reads the file now, regardless of its mtime. A valid config with a
// different content hash becomes current; onChange runs when it differs
// semantically. An invalid file leaves the current config in place and is
// returned as an error.
func (w *Watcher) Reload() error {
	cfg, stamp, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if stamp.sum == w.seen.sum {
		w.seen = stamp
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current = cfg
	w.seen = stamp
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config watcher: file rewritten without effective changes", "path", w.path)
		return nil
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"requires_restart", d.RequiresRestart(),
	)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(Change{Old: old, New: cfg, Diff: d})
	}
	return nil
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
