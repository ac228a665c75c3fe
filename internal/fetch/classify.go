package fetch

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

var (
	installerPattern = regexp.MustCompile(`(?i)^(setup|install|installer)([ _.-].*)?\.exe$`)
	helperPattern    = regexp.MustCompile(`(?i)^(unins\d*|crashhandler.*|vc_?redist.*|dxsetup|dotnetfx.*|ue4prereqsetup.*)\.exe$`)
)

var runnableExtensions = map[string]bool{
	".exe":      true,
	".bat":      true,
	".cmd":      true,
	".com":      true,
	".sh":       true,
	".appimage": true,
	".x86_64":   true,
}

type candidate struct {
	path  string
	depth int
}

// ClassifyInstallType inspects an extracted tree, or a single payload file,
// and returns its install type with the launch target when one is clear.
//
//   - only installer executables (setup*.exe, install*.exe, *.msi): Installer
//   - one runnable at the shallowest depth holding runnables: Portable
//   - no runnables at all: ContentOnly, launching the largest file
//   - installers mixed with runnables, ties, or no files: Unknown
func ClassifyInstallType(path string) (state.InstallType, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return state.InstallTypeUnknown, "", err
	}
	if !info.IsDir() {
		switch kindOf(info.Name()) {
		case fileInstaller:
			return state.InstallTypeInstaller, path, nil
		case fileRunnable:
			return state.InstallTypePortable, path, nil
		default:
			return state.InstallTypeContentOnly, path, nil
		}
	}

	var (
		installers []candidate
		runnables  []candidate
		largest    string
		largestSz  int64 = -1
		files      int
	)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == macOSMetadataDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files++
		rel, _ := filepath.Rel(path, p)
		c := candidate{path: p, depth: strings.Count(rel, string(os.PathSeparator))}
		switch kindOf(d.Name()) {
		case fileInstaller:
			installers = append(installers, c)
		case fileRunnable:
			runnables = append(runnables, c)
		}
		if fi, err := d.Info(); err == nil && (fi.Size() > largestSz || (fi.Size() == largestSz && p < largest)) {
			largest, largestSz = p, fi.Size()
		}
		return nil
	})
	if err != nil {
		return state.InstallTypeUnknown, "", err
	}

	switch {
	case files == 0:
		return state.InstallTypeUnknown, "", nil
	case len(installers) > 0 && len(runnables) > 0:
		return state.InstallTypeUnknown, "", nil
	case len(installers) > 0:
		return state.InstallTypeInstaller, shallowest(installers), nil
	case len(runnables) > 0:
		target := uniqueShallowest(runnables)
		if target == "" {
			return state.InstallTypeUnknown, "", nil
		}
		return state.InstallTypePortable, target, nil
	default:
		return state.InstallTypeContentOnly, largest, nil
	}
}

type fileKind int

const (
	fileContent fileKind = iota
	fileInstaller
	fileRunnable
	fileHelper
)

func kindOf(name string) fileKind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".msi"), installerPattern.MatchString(name):
		return fileInstaller
	case helperPattern.MatchString(name):
		return fileHelper
	case runnableExtensions[filepath.Ext(lower)]:
		return fileRunnable
	default:
		return fileContent
	}
}

// shallowest returns the first candidate at the minimum depth, by path.
func shallowest(cs []candidate) string {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].depth != cs[j].depth {
			return cs[i].depth < cs[j].depth
		}
		return cs[i].path < cs[j].path
	})
	return cs[0].path
}

// uniqueShallowest returns the only candidate at the minimum depth, or "".
func uniqueShallowest(cs []candidate) string {
	first := shallowest(cs)
	if len(cs) > 1 && cs[1].depth == cs[0].depth {
		return ""
	}
	return first
}
