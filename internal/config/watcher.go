package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher reloads a config file when it changes on disk and hands each valid
// new version to a callback. A version that fails validation is logged and
// ignored; the previous config stays current.
type Watcher struct {
	path     string
	onChange func(old, next *Config)
	ticker   *clock.Ticker

	// reloadMu serialises polls and explicit reloads.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

type watchOptions struct {
	interval time.Duration
	clock    clock.Clock
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*watchOptions)

// WithInterval sets the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithWatchClock drives polling from c, for tests.
func WithWatchClock(c clock.Clock) WatcherOption {
	return func(o *watchOptions) { o.clock = c }
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
// onChange runs on the polling goroutine, or on the caller of
// [Watcher.Reload], and may be nil.
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	o := watchOptions{interval: DefaultWatchInterval, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, st, err := readVersion(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{
		path:     path,
		onChange: onChange,
		ticker:   o.clock.Ticker(o.interval),
		current:  cfg,
		seen:     st,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, ignoring its mtime, and reports whether its
// content changed. An invalid file is returned as an error and not applied.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return w.reload()
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once but must not be called from the change callback.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.ticker.Stop()
	})
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.poll()
		}
	}
}

// poll reloads only when the mtime moved, so an idle file is never read.
func (w *Watcher) poll() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}
	if _, err := w.reload(); err != nil {
		slog.Warn("config: ignoring invalid config", "path", w.path, "err", err)
	}
}

// reload must be called with reloadMu held.
func (w *Watcher) reload() (bool, error) {
	cfg, st, err := readVersion(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen.mtime = st.mtime
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path, "restart_required", Diff(old, cfg).RestartRequired)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// readVersion parses and validates path and fingerprints its content.
func readVersion(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
