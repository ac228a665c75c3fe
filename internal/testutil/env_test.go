package testutil_test

import (
	"os"
	"testing"

	"github.com/ZebulonRouseFrantzich/rombox/internal/testutil"
)

func TestSetupTestEnv(t *testing.T) {
	t.Setenv("ROMBOX_SECRET", "hunter2")

	dirs := testutil.SetupTestEnv(t)

	for env, want := range map[string]string{
		"ROMBOX_CONFIG_DIR": dirs.Config,
		"ROMBOX_DATA_DIR":   dirs.Data,
		"ROMBOX_CACHE_DIR":  dirs.Cache,
		"ROMBOX_TEST_MODE":  "1",
		"ROMBOX_SECRET":     "",
	} {
		if got := os.Getenv(env); got != want {
			t.Errorf("%s = %q, want %q", env, got, want)
		}
	}
	for _, dir := range []string{dirs.Config, dirs.Data, dirs.Cache} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestSetupTestEnvIsolation(t *testing.T) {
	var first, second testutil.Dirs
	t.Run("first", func(t *testing.T) { first = testutil.SetupTestEnv(t) })
	t.Run("second", func(t *testing.T) { second = testutil.SetupTestEnv(t) })
	if first.Config == second.Config {
		t.Errorf("tests share config dir %s", first.Config)
	}
}
