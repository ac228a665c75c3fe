package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

// Config is the parsed rombox.lua.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Library     LibraryConfig
	Store       StoreConfig
	Credentials CredentialsConfig
	Download    DownloadConfig
	Reconcile   ReconcileConfig
	Platforms   PlatformMap
}

// ServerConfig names the content server. An empty URL is allowed; commands
// that need a server then ask for one.
type ServerConfig struct {
	URL            string
	TimeoutSeconds int
}

// Timeout bounds authentication probes and catalog requests.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type LogConfig struct {
	Level  string
	Format string
}

// LibraryConfig places installed items and temporary downloads.
type LibraryConfig struct {
	Root           string
	Scratch        string
	RetainArchives bool
	ArchiveDir     string
	KeepFailed     bool // keep scratch of failed verifications for inspection
	KeepScratch    bool // skip the start-up sweep of stale scratch dirs
}

// RetainDir returns where verified archives are kept, or "" when
// retention is off.
func (l LibraryConfig) RetainDir() string {
	if !l.RetainArchives {
		return ""
	}
	return l.ArchiveDir
}

type StoreConfig struct {
	Backend string
	Path    string
}

type CredentialsConfig struct {
	Dir string
}

// DownloadConfig tunes the download and extraction engine. Zero timeouts
// disable the corresponding limit; zero retries disables retrying.
type DownloadConfig struct {
	IdleTimeoutSeconds  int
	TotalTimeoutSeconds int
	Retries             int
	HashWorkers         int
	MaxExtractMB        int64
	AllowUnverified     bool
}

func (d DownloadConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutSeconds) * time.Second
}

func (d DownloadConfig) TotalTimeout() time.Duration {
	return time.Duration(d.TotalTimeoutSeconds) * time.Second
}

// MaxExtractBytes returns the extraction cap in bytes, 0 for none.
func (d DownloadConfig) MaxExtractBytes() int64 {
	return d.MaxExtractMB << 20
}

type ReconcileConfig struct {
	Workers int
}

// PlatformMap maps remote platform ids to LaunchBox platform names. It
// implements host.PlatformMapper.
type PlatformMap map[string]string

// ResolveLaunchBoxPlatformName returns the mapped name for a remote
// platform id.
func (m PlatformMap) ResolveLaunchBoxPlatformName(remotePlatformID string) (string, bool) {
	name, ok := m[strings.TrimSpace(remotePlatformID)]
	return name, ok && name != ""
}

// Default returns the settings used when rombox.lua is absent or silent.
func Default() *Config {
	data := DataDir()
	return &Config{
		Server: ServerConfig{TimeoutSeconds: DefaultServerTimeoutSeconds},
		Log:    LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Library: LibraryConfig{
			Root:       filepath.Join(data, "library"),
			Scratch:    filepath.Join(CacheDir(), "scratch"),
			ArchiveDir: filepath.Join(data, "archives"),
		},
		Store:       StoreConfig{Backend: state.BackendFile, Path: filepath.Join(data, "state")},
		Credentials: CredentialsConfig{Dir: filepath.Join(data, "credentials")},
		Download: DownloadConfig{
			IdleTimeoutSeconds: DefaultIdleTimeoutSeconds,
			Retries:            DefaultRetries,
			HashWorkers:        DefaultHashWorkers,
		},
		Reconcile: ReconcileConfig{Workers: DefaultReconcileWorkers},
		Platforms: PlatformMap{},
	}
}

// Validate checks every section and reports the first offending field.
func (c *Config) Validate() error {
	if c.Server.URL != "" {
		if _, err := credential.NormalizeServerURL(c.Server.URL); err != nil {
			return &ValidationError{Field: "server.url", Message: fmt.Sprintf("invalid server url %q: must be an absolute http(s) url", c.Server.URL)}
		}
	}
	if err := checkRange("server.timeout_seconds", c.Server.TimeoutSeconds, 0, MaxTimeoutSeconds); err != nil {
		return err
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "log.level", Message: fmt.Sprintf("unknown level %q (expected debug, info, warn or error)", c.Log.Level)}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return &ValidationError{Field: "log.format", Message: fmt.Sprintf("unknown format %q (expected console or json)", c.Log.Format)}
	}

	for _, p := range []struct{ field, path string }{
		{"library.root", c.Library.Root},
		{"library.scratch", c.Library.Scratch},
		{"store.path", c.Store.Path},
		{"credentials.dir", c.Credentials.Dir},
	} {
		if err := validateDir(p.field, p.path); err != nil {
			return err
		}
	}
	if c.Library.RetainArchives {
		if err := validateDir("library.archive_dir", c.Library.ArchiveDir); err != nil {
			return err
		}
		if filepath.Clean(c.Library.ArchiveDir) == filepath.Clean(c.Library.Root) {
			return &ValidationError{Field: "library.archive_dir", Message: "must differ from library.root"}
		}
	}
	if filepath.Clean(c.Library.Scratch) == filepath.Clean(c.Library.Root) {
		return &ValidationError{Field: "library.scratch", Message: "must differ from library.root"}
	}

	switch c.Store.Backend {
	case state.BackendFile, state.BackendSQLite:
	default:
		return &ValidationError{Field: "store.backend", Message: fmt.Sprintf("unknown backend %q (expected %q or %q)", c.Store.Backend, state.BackendFile, state.BackendSQLite)}
	}

	if err := checkRange("download.idle_timeout_seconds", c.Download.IdleTimeoutSeconds, 0, MaxTimeoutSeconds); err != nil {
		return err
	}
	if err := checkRange("download.total_timeout_seconds", c.Download.TotalTimeoutSeconds, 0, MaxTimeoutSeconds); err != nil {
		return err
	}
	if err := checkRange("download.retries", c.Download.Retries, 0, MaxRetries); err != nil {
		return err
	}
	if err := checkRange("download.hash_workers", c.Download.HashWorkers, 1, MaxWorkers); err != nil {
		return err
	}
	if c.Download.MaxExtractMB < 0 {
		return &ValidationError{Field: "download.max_extract_mb", Message: "must not be negative"}
	}
	if err := checkRange("reconcile.workers", c.Reconcile.Workers, 1, MaxWorkers); err != nil {
		return err
	}

	if len(c.Platforms) > MaxPlatforms {
		return &ValidationError{Field: "platforms", Message: fmt.Sprintf("too many platforms (%d), maximum is %d", len(c.Platforms), MaxPlatforms)}
	}
	for id, name := range c.Platforms {
		field := fmt.Sprintf("platforms[%q]", id)
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: "platforms", Message: "platform id cannot be empty"}
		}
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: field, Message: "platform name cannot be empty"}
		}
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return &ValidationError{Field: field, Message: fmt.Sprintf("platform name %q is used as a directory name and cannot contain path separators", name)}
		}
	}
	return nil
}

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "config validation failed for " + e.Field + ": " + e.Message
	}
	return "config validation failed: " + e.Message
}

func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &ValidationError{Field: field, Message: fmt.Sprintf("%d out of range [%d, %d]", v, lo, hi)}
	}
	return nil
}

// validateDir requires an absolute, traversal-free path.
func validateDir(field, path string) error {
	if path == "" {
		return &ValidationError{Field: field, Message: "path cannot be empty"}
	}
	if !filepath.IsAbs(path) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("path %q must be absolute or start with ~/", path)}
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return &ValidationError{Field: field, Message: fmt.Sprintf("path traversal not allowed: %s", path)}
		}
	}
	if filepath.Clean(path) == filepath.VolumeName(path)+string(filepath.Separator) {
		return &ValidationError{Field: field, Message: "filesystem root is not allowed"}
	}
	return nil
}
