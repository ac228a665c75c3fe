package config

import (
	"fmt"
	"os"
)

// DirStatus describes one configured directory on disk.
type DirStatus int

const (
	// DirReady exists and accepts new files.
	DirReady DirStatus = iota

	// DirMissing does not exist yet; rombox creates it on first use.
	DirMissing

	// DirNotDirectory exists but is a file.
	DirNotDirectory

	// DirNotWritable exists but a file cannot be created in it.
	DirNotWritable
)

func (s DirStatus) String() string {
	switch s {
	case DirReady:
		return "ready"
	case DirMissing:
		return "missing"
	case DirNotDirectory:
		return "not a directory"
	case DirNotWritable:
		return "not writable"
	default:
		return "unknown"
	}
}

// Symbol returns a one-character marker for terminal output.
func (s DirStatus) Symbol() string {
	switch s {
	case DirReady:
		return "✓"
	case DirMissing:
		return "?"
	default:
		return "✗"
	}
}

// OK reports whether rombox can use the directory.
func (s DirStatus) OK() bool {
	return s == DirReady || s == DirMissing
}

// DirCheck is the status of one configured directory.
type DirCheck struct {
	Name   string // settings field, e.g. "library.root"
	Path   string
	Status DirStatus
	Err    error
}

// CheckDirs inspects every directory cfg names, in settings order.
func CheckDirs(cfg *Config) []DirCheck {
	dirs := []struct{ name, path string }{
		{"library.root", cfg.Library.Root},
		{"library.scratch", cfg.Library.Scratch},
		{"store.path", cfg.Store.Path},
		{"credentials.dir", cfg.Credentials.Dir},
	}
	if cfg.Library.RetainArchives {
		dirs = append(dirs, struct{ name, path string }{"library.archive_dir", cfg.Library.ArchiveDir})
	}

	checks := make([]DirCheck, 0, len(dirs))
	for _, d := range dirs {
		st, err := checkDir(d.path)
		checks = append(checks, DirCheck{Name: d.name, Path: d.path, Status: st, Err: err})
	}
	return checks
}

func checkDir(path string) (DirStatus, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return DirMissing, nil
	}
	if err != nil {
		return DirNotWritable, err
	}
	if !info.IsDir() {
		return DirNotDirectory, fmt.Errorf("%s is not a directory", path)
	}
	f, err := os.CreateTemp(path, ".rombox-check-*")
	if err != nil {
		return DirNotWritable, err
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return DirReady, nil
}
