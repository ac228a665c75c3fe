// Package transaction provides the crash-recovery journal for install and
// uninstall operations and the library lock.
package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a journaled operation.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Operation represents the kind of library mutation being journaled.
type Operation string

const (
	OperationInstall   Operation = "install"
	OperationUninstall Operation = "uninstall"
)

const (
	filePrefix = "txn-"
	fileSuffix = ".json"
	tmpMarker  = ".tmp-"
)

// Txn is the journal entry for one install or uninstall.
type Txn struct {
	Version     int       `json:"version"`
	ID          string    `json:"id"`
	Operation   Operation `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
	LocalItemID string    `json:"local_item_id"`
	State       State     `json:"state"`

	// ScratchRoot is the engine's scratch directory for this operation.
	ScratchRoot string `json:"scratch_root,omitempty"`
	// Target is where the new install tree is promoted.
	Target string `json:"target,omitempty"`
	// Backup holds the previous tree at Target while the new one is promoted.
	Backup string `json:"backup,omitempty"`
	// Archive is where the downloaded archive is kept, when retention is on.
	Archive string `json:"archive,omitempty"`
	// ArchiveBackup holds the archive previously kept at Archive.
	ArchiveBackup string `json:"archive_backup,omitempty"`
	// Hash is the local hash the install is about to record.
	Hash string `json:"hash,omitempty"`
	// Promoted is set once the new tree is in place at Target.
	Promoted bool `json:"promoted"`
	// RecordCommitted is set once the install state store reflects the operation.
	RecordCommitted bool `json:"record_committed"`
	// RemovePaths lists what an uninstall deletes.
	RemovePaths []string `json:"remove_paths,omitempty"`
	LastError   string   `json:"last_error,omitempty"`
}

// New creates a pending journal entry.
func New(op Operation, localItemID string) *Txn {
	return &Txn{
		Version:     1,
		ID:          uuid.New().String(),
		Operation:   op,
		Timestamp:   time.Now().UTC(),
		LocalItemID: localItemID,
		State:       StatePending,
	}
}

// FileName is the journal file name of the entry.
func (t *Txn) FileName() string {
	return fmt.Sprintf("%s%s-%s%s", filePrefix, t.Operation, t.ID, fileSuffix)
}

// Save writes the entry to dir. The file is replaced whole, so a reader
// sees either the previous state or this one.
func (t *Txn) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal entry %s: %w", t.ID, err)
	}
	return writeAtomic(dir, t.FileName(), data)
}

// writeAtomic writes data to dir/name through a synced temp file and a
// rename, then syncs dir so the rename survives power loss.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+tmpMarker+"*")
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, filepath.Join(dir, name))
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write journal entry: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync journal directory: %w", err)
	}
	return nil
}

// Update sets the state, records err, and saves.
func (t *Txn) Update(dir string, state State, err error) error {
	t.State = state
	if err != nil {
		t.LastError = err.Error()
	} else {
		t.LastError = ""
	}
	return t.Save(dir)
}

// Remove deletes the entry from dir once its operation is settled. A
// missing file is not an error.
func (t *Txn) Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, t.FileName()))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove journal entry %s: %w", t.ID, err)
}

// Load reads one journal entry. Entries without an id or operation are
// rejected as corrupt.
func Load(path string) (*Txn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal entry: %w", err)
	}
	txn := new(Txn)
	if err := json.Unmarshal(data, txn); err != nil {
		return nil, fmt.Errorf("decode journal entry %s: %w", filepath.Base(path), err)
	}
	if txn.ID == "" || txn.Operation == "" {
		return nil, fmt.Errorf("decode journal entry %s: missing id or operation", filepath.Base(path))
	}
	return txn, nil
}

// Pending lists the journal entries in dir, oldest first. Unreadable entries
// are returned by path in bad so the caller can log and discard them. Temp
// files left by an interrupted Save are deleted; the entry they would have
// replaced, if any, still holds the last saved state.
func Pending(dir string) (txns []*Txn, bad []string, err error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read journal directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		path := filepath.Join(dir, name)
		switch {
		case strings.Contains(name, tmpMarker):
			os.Remove(path)
		case strings.HasSuffix(name, fileSuffix):
			txn, err := Load(path)
			if err != nil {
				bad = append(bad, path)
				continue
			}
			txns = append(txns, txn)
		}
	}

	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].Timestamp.Before(txns[j].Timestamp)
	})
	return txns, bad, nil
}
