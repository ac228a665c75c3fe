package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS install_state (
	local_item_id       TEXT PRIMARY KEY,
	remote_item_id      TEXT NOT NULL DEFAULT '',
	remote_platform_id  TEXT NOT NULL DEFAULT '',
	server_url          TEXT NOT NULL DEFAULT '',
	remote_hash         TEXT NOT NULL DEFAULT '',
	local_hash          TEXT NOT NULL DEFAULT '',
	install_type        TEXT NOT NULL DEFAULT 'Unknown',
	installed_path      TEXT NOT NULL DEFAULT '',
	archive_path        TEXT NOT NULL DEFAULT '',
	install_root_path   TEXT NOT NULL DEFAULT '',
	is_installed        INTEGER NOT NULL DEFAULT 0,
	installed_at        TEXT,
	last_validated_at   TEXT,
	secondary_app_id    TEXT NOT NULL DEFAULT '',
	merged_base_item_id TEXT NOT NULL DEFAULT '',
	launch_path         TEXT NOT NULL DEFAULT '',
	launch_args         TEXT NOT NULL DEFAULT '',
	last_synced_at      TEXT
);
`

const selectColumns = `local_item_id, remote_item_id, remote_platform_id, server_url,
	remote_hash, local_hash, install_type, installed_path, archive_path, install_root_path,
	is_installed, installed_at, last_validated_at,
	secondary_app_id, merged_base_item_id, launch_path, launch_args, last_synced_at`

// SQLiteStore keeps install records in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("state: sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single connection keeps PRAGMAs and write ordering simple.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	return nil
}

// Get reads one record.
func (s *SQLiteStore) Get(ctx context.Context, localItemID string) (InstallState, bool, error) {
	if localItemID == "" {
		return InstallState{}, false, fault.Newf(fault.InvalidArgument, "state.Get", "local item id cannot be empty")
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM install_state WHERE local_item_id = ?", localItemID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InstallState{}, false, nil
		}
		if errors.Is(err, errCorruptRow) {
			return InstallState{}, false, (&fault.Error{Kind: fault.StorageCorruption, Op: "state.Get", Err: err}).WithItem("", localItemID)
		}
		return InstallState{}, false, fmt.Errorf("query state for %s: %w", localItemID, err)
	}
	return rec, true, nil
}

// Put upserts the record in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, rec InstallState) error {
	if err := rec.Validate(); err != nil {
		return fault.New(fault.InvalidArgument, "state.Put", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO install_state (`+selectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(local_item_id) DO UPDATE SET
	remote_item_id = excluded.remote_item_id,
	remote_platform_id = excluded.remote_platform_id,
	server_url = excluded.server_url,
	remote_hash = excluded.remote_hash,
	local_hash = excluded.local_hash,
	install_type = excluded.install_type,
	installed_path = excluded.installed_path,
	archive_path = excluded.archive_path,
	install_root_path = excluded.install_root_path,
	is_installed = excluded.is_installed,
	installed_at = excluded.installed_at,
	last_validated_at = excluded.last_validated_at,
	secondary_app_id = excluded.secondary_app_id,
	merged_base_item_id = excluded.merged_base_item_id,
	launch_path = excluded.launch_path,
	launch_args = excluded.launch_args,
	last_synced_at = excluded.last_synced_at`,
		rec.LocalItemID, rec.RemoteItemID, rec.RemotePlatformID, rec.ServerURL,
		rec.RemoteHash, rec.LocalHash, rec.InstallType.String(),
		rec.InstalledPath, rec.ArchivePath, rec.InstallRootPath,
		boolToInt(rec.IsInstalled), formatTime(rec.InstalledAt), formatTime(rec.LastValidatedAt),
		rec.SecondaryAppID, rec.MergedBaseItemID, rec.LaunchPath, rec.LaunchArgs, formatTime(rec.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert state for %s: %w", rec.LocalItemID, err)
	}
	return tx.Commit()
}

// Delete removes the record if present.
func (s *SQLiteStore) Delete(ctx context.Context, localItemID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM install_state WHERE local_item_id = ?", localItemID); err != nil {
		return fmt.Errorf("delete state for %s: %w", localItemID, err)
	}
	return nil
}

// ListAll returns every decodable record ordered by id.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]InstallState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM install_state ORDER BY local_item_id")
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()

	var out []InstallState
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			if errors.Is(err, errCorruptRow) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var errCorruptRow = errors.New("corrupt install_state row")

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (InstallState, error) {
	var rec InstallState
	var installType string
	var isInstalled int
	var installedAt, validatedAt, syncedAt sql.NullString
	err := sc.Scan(
		&rec.LocalItemID, &rec.RemoteItemID, &rec.RemotePlatformID, &rec.ServerURL,
		&rec.RemoteHash, &rec.LocalHash, &installType,
		&rec.InstalledPath, &rec.ArchivePath, &rec.InstallRootPath,
		&isInstalled, &installedAt, &validatedAt,
		&rec.SecondaryAppID, &rec.MergedBaseItemID, &rec.LaunchPath, &rec.LaunchArgs, &syncedAt,
	)
	if err != nil {
		return InstallState{}, err
	}

	if rec.InstallType, err = ParseInstallType(installType); err != nil {
		return InstallState{}, fmt.Errorf("%w: %v", errCorruptRow, err)
	}
	rec.IsInstalled = isInstalled != 0
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{installedAt, &rec.InstalledAt},
		{validatedAt, &rec.LastValidatedAt},
		{syncedAt, &rec.LastSyncedAt},
	} {
		t, err := parseTime(f.src)
		if err != nil {
			return InstallState{}, fmt.Errorf("%w: %v", errCorruptRow, err)
		}
		*f.dst = t
	}
	return rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
