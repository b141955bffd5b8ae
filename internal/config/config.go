// Package config loads and hot-reloads the supervisor's own operating
// configuration: engine launch flags, the warm-pool budget, the intent
// queue capacity, bridge limits, persistence path, and logging. This is
// the supervisor process's configuration, not the process-wide Settings
// map the reducer owns (internal/state) — that one lives in canonical
// state and is changed only via SettingSetText intents.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the supervisor's own operating configuration.
type Config struct {
	// Engine
	EngineHeadless        bool          `yaml:"engine_headless"`
	EngineProfileDataDir  string        `yaml:"engine_profile_data_dir"`
	EngineNavigateTimeout time.Duration `yaml:"engine_navigate_timeout"`
	ThumbnailMaxWidth     int           `yaml:"thumbnail_max_width"`
	ThumbnailDir          string        `yaml:"thumbnail_dir"`

	// Scheduler
	WarmPoolBudget int `yaml:"warm_pool_budget"`

	// Intent queue
	IntentQueueCapacity int `yaml:"intent_queue_capacity"`

	// Bridge
	BridgeListenAddr  string        `yaml:"bridge_listen_addr"`
	BridgeRateLimit   float64       `yaml:"bridge_rate_limit"`
	BridgeRateBurst   int           `yaml:"bridge_rate_burst"`
	BridgePollTimeout time.Duration `yaml:"bridge_poll_timeout"`

	// Persistence
	DatabasePath string `yaml:"database_path"`

	// Observability
	LogLevel    string `yaml:"log_level"`
	LogPath     string `yaml:"log_path"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ApplyDefaults fills every zero-valued field with the shipped default.
func (c *Config) ApplyDefaults() {
	if c.EngineProfileDataDir == "" {
		c.EngineProfileDataDir = "./data/profiles"
	}
	if c.EngineNavigateTimeout <= 0 {
		c.EngineNavigateTimeout = 30 * time.Second
	}
	if c.ThumbnailMaxWidth <= 0 {
		c.ThumbnailMaxWidth = 480
	}
	if c.ThumbnailDir == "" {
		c.ThumbnailDir = "./data/thumbnails"
	}
	if c.WarmPoolBudget <= 0 {
		c.WarmPoolBudget = 8
	}
	if c.WarmPoolBudget < 5 {
		c.WarmPoolBudget = 5
	}
	if c.IntentQueueCapacity <= 0 {
		c.IntentQueueCapacity = 256
	}
	if c.BridgeListenAddr == "" {
		c.BridgeListenAddr = "127.0.0.1:0"
	}
	if c.BridgeRateLimit <= 0 {
		c.BridgeRateLimit = 200
	}
	if c.BridgeRateBurst <= 0 {
		c.BridgeRateBurst = 400
	}
	if c.BridgePollTimeout <= 0 {
		c.BridgePollTimeout = 5 * time.Second
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "./data/shellcore.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogPath == "" {
		c.LogPath = "stdout"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9090"
	}
}

// LoadFromFile reads and parses a YAML config file, layers environment
// overrides on top, and applies defaults for whatever remains unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// applyEnv overlays the recognized SHELLCORE_* environment variables:
// engine location and diagnostics knobs only. Everything else is
// file-or-default.
func (c *Config) applyEnv() {
	if v := os.Getenv("SHELLCORE_ENGINE_PROFILE_DATA_DIR"); v != "" {
		c.EngineProfileDataDir = v
	}
	if v := os.Getenv("SHELLCORE_ENGINE_HEADLESS"); v != "" {
		c.EngineHeadless = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SHELLCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SHELLCORE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

// LiveSettings is the subset of Config safe to change while the
// supervisor is running: on each reload the new values are pushed into
// their consumers' setters rather than captured once at boot.
type LiveSettings struct {
	WarmPoolBudget  int
	LogLevel        string
	BridgeRateLimit float64
	BridgeRateBurst int
}

func liveSettingsOf(c *Config) LiveSettings {
	return LiveSettings{
		WarmPoolBudget:  c.WarmPoolBudget,
		LogLevel:        c.LogLevel,
		BridgeRateLimit: c.BridgeRateLimit,
		BridgeRateBurst: c.BridgeRateBurst,
	}
}

// ChangeCallback is invoked with the new live settings whenever the
// config file changes on disk and reparses cleanly.
type ChangeCallback func(LiveSettings)

// Reloader watches a config file and notifies callbacks of changes to its
// live-safe settings, debounced so a burst of writes from an editor's
// save-then-rename produces one reload rather than several.
type Reloader struct {
	path      string
	debounce  time.Duration
	mu        sync.Mutex
	current   *Config
	callbacks []ChangeCallback
	watcher   *fsnotify.Watcher
	stop      chan struct{}
}

// NewReloader returns a reloader for the config file at path, with a
// 300ms debounce.
func NewReloader(path string) *Reloader {
	return &Reloader{path: path, debounce: 300 * time.Millisecond, stop: make(chan struct{})}
}

// SetDebounceDelay overrides the default debounce window.
func (r *Reloader) SetDebounceDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debounce = d
}

// OnChange registers a callback invoked after every successful reload.
func (r *Reloader) OnChange(cb ChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Load performs the initial synchronous load.
func (r *Reloader) Load() (*Config, error) {
	cfg, err := LoadFromFile(r.path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = cfg
	r.mu.Unlock()
	return cfg, nil
}

// Current returns the most recently loaded config.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Start begins watching the config file for changes. Call Load first.
func (r *Reloader) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config %s: %w", r.path, err)
	}
	r.watcher = watcher
	go r.watch()
	return nil
}

// Stop stops watching.
func (r *Reloader) Stop() error {
	close(r.stop)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Reloader) watch() {
	var timer *time.Timer
	for {
		select {
		case <-r.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounceDelay(), r.reload)
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *Reloader) debounceDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debounce
}

func (r *Reloader) reload() {
	cfg, err := LoadFromFile(r.path)
	if err != nil {
		// Keep serving the last good config; a bad edit never tears down
		// a running supervisor.
		return
	}
	r.mu.Lock()
	r.current = cfg
	callbacks := append([]ChangeCallback(nil), r.callbacks...)
	r.mu.Unlock()

	live := liveSettingsOf(cfg)
	for _, cb := range callbacks {
		cb(live)
	}
}
