// Package testutil isolates rombox tests from the user's real settings,
// credentials and library.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Dirs are the per-test directories SetupTestEnv points rombox at.
type Dirs struct {
	Config string
	Data   string
	Cache  string
}

// SetupTestEnv points ROMBOX_CONFIG_DIR, ROMBOX_DATA_DIR and
// ROMBOX_CACHE_DIR at fresh directories under t.TempDir and clears the
// variables that could leak a real server or secret into the test.
// t.Setenv restores everything when the test ends.
func SetupTestEnv(t *testing.T) Dirs {
	t.Helper()

	tmpDir := t.TempDir()
	dirs := Dirs{
		Config: filepath.Join(tmpDir, "config"),
		Data:   filepath.Join(tmpDir, "data"),
		Cache:  filepath.Join(tmpDir, "cache"),
	}

	t.Setenv("ROMBOX_CONFIG_DIR", dirs.Config)
	t.Setenv("ROMBOX_DATA_DIR", dirs.Data)
	t.Setenv("ROMBOX_CACHE_DIR", dirs.Cache)
	t.Setenv("ROMBOX_SECRET", "")
	t.Setenv("ROMBOX_TEST_MODE", "1")

	for _, dir := range []string{dirs.Config, dirs.Data, dirs.Cache} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
	return dirs
}
