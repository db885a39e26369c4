package config

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Config holds environment overrides. Empty strings and zero numbers mean
// "not set"; the config.toml value or built-in default applies then.
type Config struct {
	LogLevel        string
	APIURL          string
	WSURL           string
	CacheBackend    string
	SQLitePath      string
	RedisURL        string
	WorkspaceID     int64
	ReconnectBaseMS int
	ReconnectMax    int
	PingIntervalMS  int
	DisableRemote   bool
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	level := strings.ToLower(strings.TrimSpace(os.Getenv("TASKSYNC_LOG_LEVEL")))
	if level == "" {
		level = "info"
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TASKSYNC_CACHE_BACKEND")))
	switch backend {
	case "", "sqlite", "redis", "memory":
	default:
		backend = ""
	}

	return Config{
		LogLevel:        level,
		APIURL:          strings.TrimSpace(os.Getenv("TASKSYNC_API_URL")),
		WSURL:           strings.TrimSpace(os.Getenv("TASKSYNC_WS_URL")),
		CacheBackend:    backend,
		SQLitePath:      strings.TrimSpace(os.Getenv("TASKSYNC_SQLITE_PATH")),
		RedisURL:        strings.TrimSpace(os.Getenv("TASKSYNC_REDIS_URL")),
		WorkspaceID:     int64(atoiOrDefault(os.Getenv("TASKSYNC_WORKSPACE_ID"), 0)),
		ReconnectBaseMS: atoiOrDefault(os.Getenv("TASKSYNC_RECONNECT_BASE_MS"), 0),
		ReconnectMax:    atoiOrDefault(os.Getenv("TASKSYNC_RECONNECT_MAX"), 0),
		PingIntervalMS:  atoiOrDefault(os.Getenv("TASKSYNC_PING_INTERVAL_MS"), 0),
		DisableRemote:   os.Getenv("TASKSYNC_OFFLINE") == "1",
	}
}

func atoiOrDefault(v string, fallback int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
