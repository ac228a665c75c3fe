package state

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

const (
	recordExt = ".json"
	tmpPrefix = ".tmp-"
)

// fileNameEncoding is case-insensitive so names stay distinct on
// case-folding filesystems.
var fileNameEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// FileStore keeps one JSON document per item in a directory.
type FileStore struct {
	dir string
	log logging.Logger
}

// OpenFileStore opens (creating if needed) a file-backed store rooted at dir.
// Temp files left behind by an interrupted write are removed.
func OpenFileStore(dir string, log logging.Logger) (*FileStore, error) {
	itemsDir := filepath.Join(dir, "items")
	if err := os.MkdirAll(itemsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s := &FileStore{dir: itemsDir, log: logging.OrNop(log)}

	entries, err := os.ReadDir(itemsDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			s.log.Warn("removing interrupted state write", "file", e.Name())
			_ = os.Remove(filepath.Join(itemsDir, e.Name()))
		}
	}

	return s, nil
}

func (s *FileStore) pathFor(localItemID string) string {
	name := strings.ToLower(fileNameEncoding.EncodeToString([]byte(localItemID)))
	return filepath.Join(s.dir, name+recordExt)
}

// Get reads one record. An undecodable file yields StorageCorruption.
func (s *FileStore) Get(ctx context.Context, localItemID string) (InstallState, bool, error) {
	if err := ctx.Err(); err != nil {
		return InstallState{}, false, err
	}
	if localItemID == "" {
		return InstallState{}, false, fault.Newf(fault.InvalidArgument, "state.Get", "local item id cannot be empty")
	}

	data, err := os.ReadFile(s.pathFor(localItemID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return InstallState{}, false, nil
		}
		return InstallState{}, false, fmt.Errorf("read state for %s: %w", localItemID, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return InstallState{}, false, (&fault.Error{Kind: fault.StorageCorruption, Op: "state.Get", Err: err}).WithItem("", localItemID)
	}
	if rec.LocalItemID != localItemID {
		return InstallState{}, false, (&fault.Error{
			Kind:    fault.StorageCorruption,
			Op:      "state.Get",
			Message: fmt.Sprintf("record holds id %q", rec.LocalItemID),
		}).WithItem("", localItemID)
	}
	return rec, true, nil
}

// Put writes the record atomically: temp file, fsync, rename, fsync dir.
func (s *FileStore) Put(ctx context.Context, rec InstallState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fault.New(fault.InvalidArgument, "state.Put", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.pathFor(rec.LocalItemID)); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	committed = true

	return syncDir(s.dir)
}

// Delete removes the record file.
func (s *FileStore) Delete(ctx context.Context, localItemID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(localItemID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state for %s: %w", localItemID, err)
	}
	return syncDir(s.dir)
}

// ListAll returns every decodable record. Corrupt files are logged and skipped.
func (s *FileStore) ListAll(ctx context.Context) ([]InstallState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var out []InstallState
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read state file %s: %w", name, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			s.log.Warn("skipping corrupt state record", "file", name, "error", err)
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LocalItemID < out[j].LocalItemID })
	return out, nil
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

func decodeRecord(data []byte) (InstallState, error) {
	var rec InstallState
	if err := json.Unmarshal(data, &rec); err != nil {
		return InstallState{}, fmt.Errorf("decode state record: %w", err)
	}
	if rec.LocalItemID == "" {
		return InstallState{}, fmt.Errorf("decode state record: missing local_item_id")
	}
	return rec, nil
}

// syncDir fsyncs a directory so a completed rename survives power loss.
func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
