// Package platform detects the host rombox runs on. The result feeds the
// User-Agent sent to content servers and the read-only platform table
// exposed to the rombox.lua settings file, so library paths can differ
// between a desktop and a handheld.
package platform

import (
	"context"
	"fmt"
	"strings"
)

// Linux distribution families.
const (
	FamilyDebian  = "debian"  // Debian, Ubuntu, Mint, Pop!_OS
	FamilyRHEL    = "rhel"    // RHEL, CentOS, Rocky, AlmaLinux
	FamilyFedora  = "fedora"  // Fedora, Bazzite, Nobara
	FamilySUSE    = "suse"    // openSUSE, SLES
	FamilyArch    = "arch"    // Arch, Manjaro, SteamOS
	FamilyAlpine  = "alpine"  // Alpine
	FamilyUnknown = "unknown" // anything else
)

// Info describes the host.
type Info struct {
	OS      string // "linux", "darwin", "windows"
	Arch    string // normalized, e.g. "amd64", "arm64"
	ArchRaw string // runtime.GOARCH
	Distro  string // Linux only, e.g. "ubuntu", "steamos"
	Family  string // Linux only, one of the Family constants
	Version string // Linux only, distro version
	Home    string // user home directory, empty if unknown
}

func (i *Info) IsLinux() bool   { return i.OS == "linux" }
func (i *Info) IsMacOS() bool   { return i.OS == "darwin" }
func (i *Info) IsWindows() bool { return i.OS == "windows" }

// IsSteamOS reports whether the host is a Steam Deck style SteamOS install.
func (i *Info) IsSteamOS() bool {
	return i.IsLinux() && i.Distro == "steamos"
}

// UserAgent returns the User-Agent for requests made by the given rombox
// version, e.g. "rombox/1.2.0 (linux; amd64; ubuntu 24.04)".
func (i *Info) UserAgent(version string) string {
	version = strings.TrimPrefix(version, "v")
	if version == "" {
		version = "dev"
	}
	parts := []string{i.OS, i.Arch}
	if i.IsLinux() && i.Distro != "" {
		parts = append(parts, strings.TrimSpace(i.Distro+" "+i.Version))
	}
	return fmt.Sprintf("rombox/%s (%s)", version, strings.Join(parts, "; "))
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector that always returns the same Info.
type Static struct {
	Info *Info
	Err  error
}

// Detect returns a copy of the configured Info.
func (s Static) Detect(context.Context) (*Info, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Info == nil {
		return &Info{}, nil
	}
	info := *s.Info
	return &info, nil
}
