package global

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"tasksync/cli/internal/config"
)

const (
	configTOMLFileName = "config.toml"
	defaultSQLiteName  = "cache.db"
)

type RemoteConfig struct {
	APIURL      string `json:"api_url" toml:"api_url"`
	WSURL       string `json:"ws_url" toml:"ws_url"`
	WorkspaceID int64  `json:"workspace_id" toml:"workspace_id"`
}

type ReconnectConfig struct {
	BaseDelayMS int `json:"base_delay_ms" toml:"base_delay_ms"`
	MaxAttempts int `json:"max_attempts" toml:"max_attempts"`
	// PingIntervalMS paces the keepalive ping of an attached chat.
	PingIntervalMS int `json:"ping_interval_ms" toml:"ping_interval_ms"`
}

type CacheConfig struct {
	Backend    string `json:"backend" toml:"backend"`
	SQLitePath string `json:"sqlite_path,omitempty" toml:"sqlite_path,omitempty"`
	RedisURL   string `json:"redis_url,omitempty" toml:"redis_url,omitempty"`
	Namespace  string `json:"namespace" toml:"namespace"`
}

type GlobalConfig struct {
	LogLevel  string          `json:"log_level" toml:"log_level"`
	Offline   bool            `json:"offline" toml:"offline"`
	Remote    RemoteConfig    `json:"remote" toml:"remote"`
	Reconnect ReconnectConfig `json:"reconnect" toml:"reconnect"`
	Cache     CacheConfig     `json:"cache" toml:"cache"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) Dir() string {
	return s.dir
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg, s.dir), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{}, s.dir)
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg, s.dir))
}

// Merge applies environment overrides on top of the file config. Unset
// environment values keep the file value.
func Merge(cfg GlobalConfig, env config.Config) GlobalConfig {
	if env.LogLevel != "" && env.LogLevel != "info" {
		cfg.LogLevel = env.LogLevel
	}
	if env.DisableRemote {
		cfg.Offline = true
	}
	if env.APIURL != "" {
		cfg.Remote.APIURL = env.APIURL
	}
	if env.WSURL != "" {
		cfg.Remote.WSURL = env.WSURL
	}
	if env.WorkspaceID > 0 {
		cfg.Remote.WorkspaceID = env.WorkspaceID
	}
	if env.ReconnectBaseMS > 0 {
		cfg.Reconnect.BaseDelayMS = env.ReconnectBaseMS
	}
	if env.ReconnectMax > 0 {
		cfg.Reconnect.MaxAttempts = env.ReconnectMax
	}
	if env.PingIntervalMS > 0 {
		cfg.Reconnect.PingIntervalMS = env.PingIntervalMS
	}
	if env.CacheBackend != "" {
		cfg.Cache.Backend = env.CacheBackend
	}
	if env.SQLitePath != "" {
		cfg.Cache.SQLitePath = env.SQLitePath
	}
	if env.RedisURL != "" {
		cfg.Cache.RedisURL = env.RedisURL
	}
	return normalizeConfig(cfg, "")
}

func normalizeConfig(cfg GlobalConfig, dir string) GlobalConfig {
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	default:
		cfg.LogLevel = "info"
	}
	cfg.Remote.APIURL = strings.TrimRight(strings.TrimSpace(cfg.Remote.APIURL), "/")
	if cfg.Remote.APIURL == "" {
		cfg.Remote.APIURL = "http://localhost:8000/api"
	}
	cfg.Remote.WSURL = strings.TrimRight(strings.TrimSpace(cfg.Remote.WSURL), "/")
	if cfg.Remote.WSURL == "" {
		cfg.Remote.WSURL = "ws://localhost:8000/api/chat/ws"
	}
	if cfg.Remote.WorkspaceID < 0 {
		cfg.Remote.WorkspaceID = 0
	}
	if cfg.Reconnect.BaseDelayMS <= 0 {
		cfg.Reconnect.BaseDelayMS = 1000
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if cfg.Reconnect.PingIntervalMS <= 0 {
		cfg.Reconnect.PingIntervalMS = 30000
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Backend)) {
	case "redis", "memory":
		cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	default:
		cfg.Cache.Backend = "sqlite"
	}
	cfg.Cache.SQLitePath = strings.TrimSpace(cfg.Cache.SQLitePath)
	if cfg.Cache.SQLitePath == "" && dir != "" {
		cfg.Cache.SQLitePath = filepath.Join(dir, defaultSQLiteName)
	}
	cfg.Cache.RedisURL = strings.TrimSpace(cfg.Cache.RedisURL)
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL == "" {
		cfg.Cache.RedisURL = "redis://localhost:6379/0"
	}
	cfg.Cache.Namespace = strings.TrimSpace(cfg.Cache.Namespace)
	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "default"
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSONAtomically(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
