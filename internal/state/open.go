package state

import (
	"fmt"
	"path/filepath"

	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

// Open returns the store for the named backend rooted at dir.
func Open(backend, dir string, log logging.Logger) (Store, error) {
	switch backend {
	case "", BackendFile:
		return OpenFileStore(dir, log)
	case BackendSQLite:
		return OpenSQLiteStore(filepath.Join(dir, "state.db"))
	default:
		return nil, fmt.Errorf("unknown state backend %q (expected %q or %q)", backend, BackendFile, BackendSQLite)
	}
}
