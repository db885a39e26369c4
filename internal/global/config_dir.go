package global

import (
	"os"
	"path/filepath"
	"strings"
)

const appDirName = "tasksync"

// DefaultConfigDir picks where config.toml and the session list live:
// TASKSYNC_CONFIG_DIR when set, then $XDG_CONFIG_HOME/tasksync, then
// ~/.config/tasksync. A relative XDG_CONFIG_HOME is ignored.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TASKSYNC_CONFIG_DIR")); override != "" {
		return filepath.Clean(override), nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appDirName), nil
}
