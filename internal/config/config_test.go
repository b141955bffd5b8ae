package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "shellcore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApplyDefaultsFillsEveryZeroField(t *testing.T) {
	var c Config
	c.ApplyDefaults()

	if c.WarmPoolBudget != 8 {
		t.Fatalf("expected default warm pool budget 8, got %d", c.WarmPoolBudget)
	}
	if c.IntentQueueCapacity != 256 {
		t.Fatalf("expected default queue capacity 256, got %d", c.IntentQueueCapacity)
	}
	if c.EngineNavigateTimeout != 30*time.Second {
		t.Fatalf("expected default navigate timeout 30s, got %v", c.EngineNavigateTimeout)
	}
	if c.DatabasePath == "" || c.LogLevel == "" || c.MetricsAddr == "" {
		t.Fatalf("expected every path/addr default filled, got %+v", c)
	}
}

func TestApplyDefaultsClampsWarmBudgetToMinimum(t *testing.T) {
	c := Config{WarmPoolBudget: 2}
	c.ApplyDefaults()
	if c.WarmPoolBudget != 5 {
		t.Fatalf("expected budget clamped up to 5, got %d", c.WarmPoolBudget)
	}
}

func TestLoadFromFileParsesAndDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "warm_pool_budget: 12\nlog_level: debug\n")
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WarmPoolBudget != 12 {
		t.Fatalf("expected warm pool budget 12, got %d", cfg.WarmPoolBudget)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.LogLevel)
	}
	if cfg.DatabasePath == "" {
		t.Fatal("expected unset fields defaulted")
	}
}

func TestEnvOverridesEngineAndDiagnostics(t *testing.T) {
	t.Setenv("SHELLCORE_ENGINE_PROFILE_DATA_DIR", "/srv/profiles")
	t.Setenv("SHELLCORE_ENGINE_HEADLESS", "true")
	t.Setenv("SHELLCORE_LOG_LEVEL", "warn")

	path := writeConfig(t, t.TempDir(), "log_level: debug\n")
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EngineProfileDataDir != "/srv/profiles" {
		t.Fatalf("expected env profile dir override, got %q", cfg.EngineProfileDataDir)
	}
	if !cfg.EngineHeadless {
		t.Fatal("expected env headless override")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env log level to win over the file, got %q", cfg.LogLevel)
	}
}

func TestLoadFromFileRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "warm_pool_budget: [not an int\n")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected a parse error for malformed yaml")
	}
}

func TestReloaderNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "warm_pool_budget: 8\n")

	r := NewReloader(path)
	r.SetDebounceDelay(10 * time.Millisecond)
	if _, err := r.Load(); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	changed := make(chan LiveSettings, 1)
	r.OnChange(func(live LiveSettings) {
		select {
		case changed <- live:
		default:
		}
	})
	if err := r.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer r.Stop()

	if err := os.WriteFile(path, []byte("warm_pool_budget: 16\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case live := <-changed:
		if live.WarmPoolBudget != 16 {
			t.Fatalf("expected reloaded budget 16, got %d", live.WarmPoolBudget)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reload callback")
	}

	if got := r.Current().WarmPoolBudget; got != 16 {
		t.Fatalf("expected Current to reflect the reload, got %d", got)
	}
}

func TestReloaderKeepsLastGoodConfigOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "warm_pool_budget: 8\n")

	r := NewReloader(path)
	if _, err := r.Load(); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if err := os.WriteFile(path, []byte("warm_pool_budget: [broken\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	r.reload()
	if got := r.Current().WarmPoolBudget; got != 8 {
		t.Fatalf("expected the last good config retained, got budget %d", got)
	}
}
