// Package host defines what the pipeline needs from, and gives back to, the
// catalog application that embeds it.
package host

import (
	"context"

	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

// Game is the host's record for a local item. Only identifiers are read.
type Game interface {
	GetLocalItemID() string
	GetDisplayName() string
	GetPlatformName() string
}

// GameRecord is a plain Game.
type GameRecord struct {
	ID       string
	Name     string
	Platform string
}

func (g GameRecord) GetLocalItemID() string  { return g.ID }
func (g GameRecord) GetDisplayName() string  { return g.Name }
func (g GameRecord) GetPlatformName() string { return g.Platform }

// MergedLaunchEntry represents an installed item as a secondary launchable
// entry under a parent catalog entry.
type MergedLaunchEntry struct {
	LaunchPath        string
	LaunchArgs        string
	SecondaryAppID    string
	ParentLocalItemID string
}

// LaunchEntryWriter receives merged launch entries. Errors are logged by
// the caller and never fail an install.
type LaunchEntryWriter interface {
	WriteMergedLaunchEntry(ctx context.Context, entry MergedLaunchEntry) error
}

// PlatformMapper maps a remote platform id to the host's platform name.
type PlatformMapper interface {
	ResolveLaunchBoxPlatformName(remotePlatformID string) (string, bool)
}

// NopLaunchWriter discards entries.
type NopLaunchWriter struct{}

func (NopLaunchWriter) WriteMergedLaunchEntry(context.Context, MergedLaunchEntry) error { return nil }

// LogLaunchWriter logs entries; used by the CLI, which has no host catalog.
type LogLaunchWriter struct {
	Logger logging.Logger
}

func (w LogLaunchWriter) WriteMergedLaunchEntry(_ context.Context, e MergedLaunchEntry) error {
	logging.OrNop(w.Logger).Info("merged launch entry",
		"parent", e.ParentLocalItemID,
		"secondary_app_id", e.SecondaryAppID,
		"launch_path", e.LaunchPath,
		"launch_args", e.LaunchArgs,
	)
	return nil
}

// MapPlatforms is a PlatformMapper backed by a map.
type MapPlatforms map[string]string

func (m MapPlatforms) ResolveLaunchBoxPlatformName(remotePlatformID string) (string, bool) {
	name, ok := m[remotePlatformID]
	return name, ok && name != ""
}
