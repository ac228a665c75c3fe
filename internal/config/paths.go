package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDir = "rombox"

// ConfigDir holds rombox.lua: $ROMBOX_CONFIG_DIR, else the user config dir.
func ConfigDir() string {
	if dir := os.Getenv("ROMBOX_CONFIG_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(os.TempDir(), appDir, "config")
}

// DataDir holds install state, credentials and the default library:
// $ROMBOX_DATA_DIR, else $XDG_DATA_HOME/rombox, else ~/.local/share/rombox
// on Unix and the user config dir elsewhere.
func DataDir() string {
	if dir := os.Getenv("ROMBOX_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appDir)
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", appDir)
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDir, "data")
	}
	return filepath.Join(os.TempDir(), appDir, "data")
}

// CacheDir holds scratch downloads: $ROMBOX_CACHE_DIR, else the user
// cache dir.
func CacheDir() string {
	if dir := os.Getenv("ROMBOX_CACHE_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(os.TempDir(), appDir, "cache")
}

// DefaultPath is the settings file location.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), FileName)
}

// expandHome replaces a leading "~" or "~/" with home. Other paths are
// returned cleaned.
func expandHome(path, home string) string {
	switch {
	case path == "":
		return ""
	case home != "" && path == "~":
		return home
	case home != "" && (strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`)):
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}
