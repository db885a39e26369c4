package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TASKSYNC_LOG_LEVEL", "TASKSYNC_API_URL", "TASKSYNC_WS_URL", "TASKSYNC_CACHE_BACKEND",
		"TASKSYNC_SQLITE_PATH", "TASKSYNC_REDIS_URL", "TASKSYNC_WORKSPACE_ID",
		"TASKSYNC_RECONNECT_BASE_MS", "TASKSYNC_RECONNECT_MAX", "TASKSYNC_OFFLINE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := LoadConfig()
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected LogLevel: %s", cfg.LogLevel)
	}
	if cfg.APIURL != "" || cfg.WSURL != "" || cfg.CacheBackend != "" {
		t.Fatalf("overrides should default empty: %#v", cfg)
	}
	if cfg.WorkspaceID != 0 || cfg.ReconnectBaseMS != 0 || cfg.ReconnectMax != 0 {
		t.Fatalf("numeric overrides should default to zero: %#v", cfg)
	}
	if cfg.DisableRemote {
		t.Fatal("remote should default to enabled")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("TASKSYNC_API_URL", "http://backend:9000/api")
	t.Setenv("TASKSYNC_WS_URL", "ws://backend:9000/api/chat/ws")
	t.Setenv("TASKSYNC_CACHE_BACKEND", "Redis")
	t.Setenv("TASKSYNC_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("TASKSYNC_WORKSPACE_ID", "12")
	t.Setenv("TASKSYNC_RECONNECT_BASE_MS", "250")
	t.Setenv("TASKSYNC_RECONNECT_MAX", "3")
	t.Setenv("TASKSYNC_OFFLINE", "1")

	cfg := LoadConfig()
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected level: %s", cfg.LogLevel)
	}
	if cfg.APIURL != "http://backend:9000/api" || cfg.WSURL != "ws://backend:9000/api/chat/ws" {
		t.Fatalf("unexpected urls: %#v", cfg)
	}
	if cfg.CacheBackend != "redis" || cfg.RedisURL != "redis://localhost:6379/2" {
		t.Fatalf("unexpected cache settings: %#v", cfg)
	}
	if cfg.WorkspaceID != 12 || cfg.ReconnectBaseMS != 250 || cfg.ReconnectMax != 3 {
		t.Fatalf("unexpected numeric overrides: %#v", cfg)
	}
	if !cfg.DisableRemote {
		t.Fatal("expected offline override")
	}
}

func TestLoadConfig_IgnoresMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKSYNC_CACHE_BACKEND", "postgres")
	t.Setenv("TASKSYNC_RECONNECT_MAX", "five")
	cfg := LoadConfig()
	if cfg.CacheBackend != "" {
		t.Fatalf("unknown backend should be dropped, got %q", cfg.CacheBackend)
	}
	if cfg.ReconnectMax != 0 {
		t.Fatalf("malformed number should be ignored, got %d", cfg.ReconnectMax)
	}
}

func TestGetConfig_UsesCacheWithinTTL(t *testing.T) {
	resetConfigCacheForTest()
	t.Setenv("TASKSYNC_API_URL", "http://a")
	_ = LoadConfig()

	t.Setenv("TASKSYNC_API_URL", "http://b")
	got := GetConfig()
	if got == nil {
		t.Fatal("GetConfig should not return nil")
	}
	if got.APIURL != "http://a" {
		t.Fatalf("expected cached url, got %s", got.APIURL)
	}
}

func TestGetConfig_RefreshesAfterTTL(t *testing.T) {
	resetConfigCacheForTest()

	oldNow := nowFunc
	oldTTL := cacheTTL
	defer func() {
		nowFunc = oldNow
		cacheTTL = oldTTL
		resetConfigCacheForTest()
	}()

	base := time.Date(2026, time.February, 19, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	cacheTTL = 10 * time.Second

	t.Setenv("TASKSYNC_API_URL", "http://a")
	_ = LoadConfig()

	base = base.Add(11 * time.Second)
	t.Setenv("TASKSYNC_API_URL", "http://b")

	got := GetConfig()
	if got.APIURL != "http://b" {
		t.Fatalf("expected refreshed url, got %s", got.APIURL)
	}
}

func resetConfigCacheForTest() {
	cacheMu.Lock()
	cachedCfg = Config{}
	cachedAt = time.Time{}
	cacheValid = false
	cacheMu.Unlock()
}
