// Package state persists per-item install records.
//
// Records are keyed by the host's local item id. Every backend guarantees
// that a reader observes either the previous or the new version of a record,
// never a partial write, including across a crash mid-write.
package state

import (
	"context"
	"fmt"
	"time"
)

// InstallType classifies the launch shape of installed content.
type InstallType int

const (
	InstallTypeUnknown InstallType = iota
	InstallTypeInstaller
	InstallTypePortable
	InstallTypeContentOnly
)

// String returns the human-readable install type name.
func (t InstallType) String() string {
	switch t {
	case InstallTypeInstaller:
		return "Installer"
	case InstallTypePortable:
		return "Portable"
	case InstallTypeContentOnly:
		return "ContentOnly"
	default:
		return "Unknown"
	}
}

// ParseInstallType parses the output of String.
func ParseInstallType(s string) (InstallType, error) {
	switch s {
	case "Unknown", "":
		return InstallTypeUnknown, nil
	case "Installer":
		return InstallTypeInstaller, nil
	case "Portable":
		return InstallTypePortable, nil
	case "ContentOnly":
		return InstallTypeContentOnly, nil
	default:
		return InstallTypeUnknown, fmt.Errorf("unknown install type %q", s)
	}
}

func (t InstallType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *InstallType) UnmarshalText(b []byte) error {
	v, err := ParseInstallType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// InstallState is the durable record for one local item.
type InstallState struct {
	// Identity
	LocalItemID      string `json:"local_item_id"`
	RemoteItemID     string `json:"remote_item_id,omitempty"`
	RemotePlatformID string `json:"remote_platform_id,omitempty"`
	ServerURL        string `json:"server_url,omitempty"`

	// Integrity
	RemoteHash string `json:"remote_hash,omitempty"`
	LocalHash  string `json:"local_hash,omitempty"`

	// Install shape
	InstallType     InstallType `json:"install_type"`
	InstalledPath   string      `json:"installed_path,omitempty"`
	ArchivePath     string      `json:"archive_path,omitempty"`
	InstallRootPath string      `json:"install_root_path,omitempty"`

	// Status
	IsInstalled     bool       `json:"is_installed"`
	InstalledAt     *time.Time `json:"installed_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`

	// Merged launch metadata
	SecondaryAppID   string     `json:"secondary_app_id,omitempty"`
	MergedBaseItemID string     `json:"merged_base_item_id,omitempty"`
	LaunchPath       string     `json:"launch_path,omitempty"`
	LaunchArgs       string     `json:"launch_args,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
}

// NotInstalled returns the default record for an item with no stored state.
func NotInstalled(localItemID string) InstallState {
	return InstallState{LocalItemID: localItemID}
}

// Validate checks the record invariants enforced on every write.
func (s *InstallState) Validate() error {
	if s.LocalItemID == "" {
		return fmt.Errorf("local item id cannot be empty")
	}
	if s.IsInstalled {
		if s.InstalledPath == "" {
			return fmt.Errorf("installed record %s has no installed path", s.LocalItemID)
		}
		if s.LocalHash == "" {
			return fmt.Errorf("installed record %s has no local hash", s.LocalItemID)
		}
	}
	return nil
}

// Store is the durable mapping from local item id to InstallState.
type Store interface {
	// Get returns the record and true, or a zero record and false when absent.
	Get(ctx context.Context, localItemID string) (InstallState, bool, error)
	// Put atomically inserts or replaces the record.
	Put(ctx context.Context, s InstallState) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, localItemID string) error
	// ListAll returns every readable record ordered by local item id.
	ListAll(ctx context.Context) ([]InstallState, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)
