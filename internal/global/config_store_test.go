package global

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tasksync/cli/internal/config"
)

func TestConfigStore_LoadOrInit_CreatesDefaultFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if cfg.Remote.APIURL != "http://localhost:8000/api" {
		t.Fatalf("unexpected api url: %s", cfg.Remote.APIURL)
	}
	if cfg.Reconnect.BaseDelayMS != 1000 || cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("unexpected reconnect defaults: %#v", cfg.Reconnect)
	}
	if cfg.Cache.Backend != "sqlite" || cfg.Cache.SQLitePath != filepath.Join(dir, "cache.db") {
		t.Fatalf("unexpected cache defaults: %#v", cfg.Cache)
	}

	b, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("read config.toml failed: %v", err)
	}
	text := string(b)
	for _, want := range []string{"[remote]", "[reconnect]", "[cache]", "max_attempts = 5"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in toml, got: %s", want, text)
		}
	}
	if !strings.Contains(text, "backend = 'sqlite'") && !strings.Contains(text, "backend = \"sqlite\"") {
		t.Fatalf("expected cache.backend in toml, got: %s", text)
	}
}

func TestConfigStore_LoadOrInit_ReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	raw := `
log_level = "DEBUG"

[remote]
api_url = "http://backend:9000/api/"
workspace_id = 4

[cache]
backend = "redis"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	cfg, err := NewConfigStore(dir).LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Remote.APIURL != "http://backend:9000/api" || cfg.Remote.WorkspaceID != 4 {
		t.Fatalf("unexpected config: %#v", cfg)
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected cache config: %#v", cfg.Cache)
	}
}

func TestConfigStore_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)
	cfg, _ := store.LoadOrInit()
	cfg.Reconnect.MaxAttempts = 8
	cfg.Cache.Backend = "memory"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got.Reconnect.MaxAttempts != 8 || got.Cache.Backend != "memory" {
		t.Fatalf("unexpected reloaded config: %#v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temporary file should be renamed away")
	}
}

func TestMerge_EnvWins(t *testing.T) {
	base := normalizeConfig(GlobalConfig{}, "/tmp/x")
	got := Merge(base, config.Config{
		LogLevel:        "debug",
		APIURL:          "http://env/api",
		ReconnectBaseMS: 50,
		CacheBackend:    "memory",
		DisableRemote:   true,
	})
	if got.LogLevel != "debug" || got.Remote.APIURL != "http://env/api" {
		t.Fatalf("unexpected merge: %#v", got)
	}
	if got.Reconnect.BaseDelayMS != 50 || got.Reconnect.MaxAttempts != 5 {
		t.Fatalf("unexpected reconnect merge: %#v", got.Reconnect)
	}
	if got.Cache.Backend != "memory" || !got.Offline {
		t.Fatalf("unexpected cache/offline merge: %#v", got)
	}
}

func TestMerge_RedisBackendGetsDefaultURL(t *testing.T) {
	base := normalizeConfig(GlobalConfig{}, "/tmp/x")
	got := Merge(base, config.Config{CacheBackend: "redis"})
	if got.Cache.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("expected default redis url, got %q", got.Cache.RedisURL)
	}
	if got.Cache.SQLitePath != "/tmp/x/cache.db" {
		t.Fatalf("sqlite path should survive merge, got %q", got.Cache.SQLitePath)
	}
}

func TestMerge_PingInterval(t *testing.T) {
	base := normalizeConfig(GlobalConfig{}, "/tmp/x")
	if base.Reconnect.PingIntervalMS != 30000 {
		t.Fatalf("expected default ping interval 30000, got %d", base.Reconnect.PingIntervalMS)
	}
	got := Merge(base, config.Config{PingIntervalMS: 250})
	if got.Reconnect.PingIntervalMS != 250 {
		t.Fatalf("expected env ping interval, got %d", got.Reconnect.PingIntervalMS)
	}
}
