// Package config loads rombox's settings file, rombox.lua.
//
// # Overview
//
// Settings are a Lua program that assigns a global "rombox" table. The
// program runs in a sandboxed gopher-lua VM with a read-only "platform"
// table (see internal/platform) so one file can serve a desktop and a
// handheld:
//
//	rombox = {
//	  server  = { url = "https://romm.example.com", timeout_seconds = 15 },
//	  library = {
//	    root = platform.is_steamos and "/run/media/deck/sd/Games"
//	        or platform.join(platform.home, "Games"),
//	  },
//	  platforms = { [19] = "Super Nintendo Entertainment System" },
//	}
//
// Every section and field is optional. Parsing starts from Default and
// overrides whatever the file sets, then validates the result.
//
// # Sections
//
//   - server: content server URL and request timeout
//   - log: level (debug, info, warn, error) and format (console, json)
//   - library: install root, scratch dir, archive retention
//   - store: install state backend (file, sqlite) and location
//   - credentials: directory of the encrypted credential file
//   - download: idle and total timeouts, retries, hash workers, extraction cap
//   - reconcile: worker count
//   - platforms: remote platform id to LaunchBox platform name
//
// Paths may start with "~/"; they are expanded against the detected home
// directory and must be absolute afterwards.
//
// # Sandbox
//
// The os, io and debug libraries and every code-loading function are
// removed. string, table and math stay. Parsing honours the context and
// applies a default deadline when the context has none.
//
// # Errors
//
// Lua failures surface as *ParseError, schema violations as
// *ValidationError naming the offending field (for example
// "download.retries"). FormatError renders either for the terminal.
//
// # Directories
//
// ConfigDir, DataDir and CacheDir honour ROMBOX_CONFIG_DIR,
// ROMBOX_DATA_DIR and ROMBOX_CACHE_DIR, falling back to the user's
// platform directories.
package config
