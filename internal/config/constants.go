package config

import "time"

// FileName is the settings file name inside ConfigDir.
const FileName = "rombox.lua"

// Lua schema names.
const (
	luaGlobalRombox = "rombox"

	luaSectionServer      = "server"
	luaSectionLog         = "log"
	luaSectionLibrary     = "library"
	luaSectionStore       = "store"
	luaSectionCredentials = "credentials"
	luaSectionDownload    = "download"
	luaSectionReconcile   = "reconcile"
	luaSectionPlatforms   = "platforms"

	luaFieldURL             = "url"
	luaFieldTimeoutSeconds  = "timeout_seconds"
	luaFieldLevel           = "level"
	luaFieldFormat          = "format"
	luaFieldRoot            = "root"
	luaFieldScratch         = "scratch"
	luaFieldRetainArchives  = "retain_archives"
	luaFieldArchiveDir      = "archive_dir"
	luaFieldKeepFailed      = "keep_failed"
	luaFieldKeepScratch     = "keep_scratch"
	luaFieldBackend         = "backend"
	luaFieldPath            = "path"
	luaFieldDir             = "dir"
	luaFieldIdleTimeout     = "idle_timeout_seconds"
	luaFieldTotalTimeout    = "total_timeout_seconds"
	luaFieldRetries         = "retries"
	luaFieldHashWorkers     = "hash_workers"
	luaFieldMaxExtractMB    = "max_extract_mb"
	luaFieldAllowUnverified = "allow_unverified"
	luaFieldWorkers         = "workers"
)

// Limits.
const (
	MaxConfigSize     = 1 << 20
	MaxPlatforms      = 5000
	MaxRetries        = 20
	MaxWorkers        = 64
	MaxTimeoutSeconds = 24 * 60 * 60

	defaultParseTimeout = 5 * time.Second
)

// Defaults.
const (
	DefaultServerTimeoutSeconds = 15
	DefaultIdleTimeoutSeconds   = 30
	DefaultRetries              = 3
	DefaultHashWorkers          = 2
	DefaultReconcileWorkers     = 4
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "console"
)
