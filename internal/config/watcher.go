package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] re-reads its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher re-reads a config file on an interval and reports effective
// changes. The file is polled rather than watched so that editors which
// replace the file behave like ones that rewrite it.
//
// A reload that fails to parse or validate is logged and ignored. A reload
// whose content changed but whose [Diff] against the current config is empty
// (comments, formatting, key order) updates nothing and calls nothing.
type Watcher struct {
	path      string
	interval  time.Duration
	onChange  func(old, new *Config)
	overrides func(*Config)
	log       *slog.Logger

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger used for reload and failure messages.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithOverrides applies fn to every config read from the file before it is
// validated and compared, so that command-line overrides survive reloads.
func WithOverrides(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.overrides = fn }
}

// NewWatcher loads path once and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := w.parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.sum = sha256.Sum256(data)

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for it. No callback runs after Stop returns.
// Stop may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	same := sum == w.sum
	w.mu.Unlock()
	if same {
		return
	}

	cfg, err := w.parse(data)
	if err != nil {
		w.log.Warn("config watcher: rejected new config", "path", w.path, "err", err)
		// Remember the bad content so it is reported once, not every poll.
		w.mu.Lock()
		w.sum = sum
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	old := w.current
	w.sum = sum
	if !Diff(old, cfg).Changed() {
		w.mu.Unlock()
		w.log.Debug("config watcher: file changed without effect", "path", w.path)
		return
	}
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) parse(data []byte) (*Config, error) {
	if w.overrides == nil {
		return LoadFromReader(bytes.NewReader(data))
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	w.overrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
