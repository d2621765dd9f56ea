package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Error("config reload failed, keeping previous config", "path", l.path, "error", err)
						continue
					}
					l.logger.Info("config reloaded", "path", l.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	s := &cfg.Session
	if s.Traversal == "" {
		s.Traversal = "follow"
	}
	if s.BatchSize == 0 {
		s.BatchSize = 1000
	}
	if s.TickBudgetMs == 0 {
		s.TickBudgetMs = 50
	}
	if s.TickIntervalMs == 0 {
		s.TickIntervalMs = 10
	}
	if s.PollIntervalMs == 0 {
		s.PollIntervalMs = 500
	}
	if s.WaitWarningMs == 0 {
		s.WaitWarningMs = 10000
	}

	f := &cfg.Fetch
	if f.Workers == 0 {
		f.Workers = 8
	}
	if f.QueueDepth == 0 {
		f.QueueDepth = 1024
	}
	if f.ChunkSize == 0 {
		f.ChunkSize = 256
	}
	if f.TimeoutMs == 0 {
		f.TimeoutMs = 5000
	}

	st := &cfg.Storage
	if st.GCIntervalSec == 0 {
		st.GCIntervalSec = 300
	}
	if st.GCDiscard == 0 {
		st.GCDiscard = 0.5
	}

	if cfg.Policy.ScriptPrefix == "" {
		cfg.Policy.ScriptPrefix = "/Script/"
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// TickBudget is the wall-time budget of one session tick.
func (s SessionConf) TickBudget() time.Duration { return ms(s.TickBudgetMs) }

// TickInterval is the pause between host loop ticks.
func (s SessionConf) TickInterval() time.Duration { return ms(s.TickIntervalMs) }

func (s SessionConf) PollInterval() time.Duration { return ms(s.PollIntervalMs) }

func (s SessionConf) WaitWarning() time.Duration { return ms(s.WaitWarningMs) }

func (f FetchConf) Timeout() time.Duration { return ms(f.TimeoutMs) }

func (s StorageConf) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalSec) * time.Second
}
