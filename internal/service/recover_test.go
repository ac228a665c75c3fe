package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
	"github.com/ZebulonRouseFrantzich/rombox/internal/transaction"
)

func writeTree(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readTree(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Install interrupted after promotion, before the record was written.
	uncommitted := filepath.Join(env.library, "SNES", "Uncommitted")
	writeTree(t, uncommitted, "game.sfc", "new")
	writeTree(t, uncommitted+backupSuffix+"aaaa", "game.sfc", "old")
	scratchA := filepath.Join(env.scratch, fetch.ScratchPrefix+"a")
	writeTree(t, scratchA, "payload", "x")
	rollback := transaction.New(transaction.OperationInstall, "rollback")
	rollback.Target = uncommitted
	rollback.Backup = uncommitted + backupSuffix + "aaaa"
	rollback.ScratchRoot = scratchA
	rollback.Promoted = true
	rollback.Hash = "sha256:new"
	archives := filepath.Join(env.library, ".archives", "SNES")
	writeTree(t, filepath.Join(archives, "Uncommitted"), "game.zip", "new archive")
	writeTree(t, filepath.Join(archives, "Uncommitted"), "game.zip"+backupSuffix+"aaaa", "old archive")
	rollback.Archive = filepath.Join(archives, "Uncommitted", "game.zip")
	rollback.ArchiveBackup = rollback.Archive + backupSuffix + "aaaa"

	// Install interrupted after the record was written.
	committedDir := filepath.Join(env.library, "SNES", "Committed")
	writeTree(t, committedDir, "game.sfc", "new")
	writeTree(t, committedDir+backupSuffix+"bbbb", "game.sfc", "old")
	forward := transaction.New(transaction.OperationInstall, "forward")
	forward.Target = committedDir
	forward.Backup = committedDir + backupSuffix + "bbbb"
	forward.Promoted = true
	forward.Hash = sha256Digest([]byte("new"))
	writeTree(t, filepath.Join(archives, "Committed"), "game.zip", "new archive")
	writeTree(t, filepath.Join(archives, "Committed"), "game.zip"+backupSuffix+"bbbb", "old archive")
	forward.Archive = filepath.Join(archives, "Committed", "game.zip")
	forward.ArchiveBackup = forward.Archive + backupSuffix + "bbbb"
	if err := env.store.Put(ctx, state.InstallState{
		LocalItemID:     "forward",
		LocalHash:       forward.Hash,
		InstalledPath:   filepath.Join(committedDir, "game.sfc"),
		InstallRootPath: committedDir,
		IsInstalled:     true,
	}); err != nil {
		t.Fatal(err)
	}

	// Install interrupted while the old tree was moved aside.
	aside := filepath.Join(env.library, "SNES", "Aside")
	writeTree(t, aside+backupSuffix+"cccc", "game.sfc", "old")
	moved := transaction.New(transaction.OperationInstall, "moved")
	moved.Target = aside
	moved.Backup = aside + backupSuffix + "cccc"

	// Uninstall interrupted before the record was deleted.
	gone := filepath.Join(env.library, "SNES", "Gone")
	writeTree(t, gone, "game.sfc", "x")
	if err := env.store.Put(ctx, state.InstallState{LocalItemID: "gone", LocalHash: "crc32:01234567", InstalledPath: filepath.Join(gone, "game.sfc"), InstallRootPath: gone, IsInstalled: true}); err != nil {
		t.Fatal(err)
	}
	uninstall := transaction.New(transaction.OperationUninstall, "gone")
	uninstall.RemovePaths = []string{filepath.Join(gone, "game.sfc"), gone}

	for _, txn := range []*transaction.Txn{rollback, forward, moved, uninstall} {
		if err := txn.Save(env.journal); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(env.journal, "txn-install-broken.json"), []byte("{"), 0o600)
	writeTree(t, filepath.Join(env.scratch, fetch.ScratchPrefix+"orphan"), "payload", "x")
	writeTree(t, filepath.Join(env.scratch, "unrelated"), "keep", "x")

	report, err := env.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	want := RecoveryReport{RolledBack: 2, RolledForward: 2, Discarded: 1, ScratchRemoved: 1}
	if *report != want {
		t.Errorf("Recover() = %+v, want %+v", *report, want)
	}

	if got := readTree(t, uncommitted, "game.sfc"); got != "old" {
		t.Errorf("uncommitted install not rolled back, content %q", got)
	}
	if got := readTree(t, committedDir, "game.sfc"); got != "new" {
		t.Errorf("committed install lost, content %q", got)
	}
	if got := readTree(t, aside, "game.sfc"); got != "old" {
		t.Errorf("moved-aside tree not restored, content %q", got)
	}
	if got := readTree(t, filepath.Join(archives, "Uncommitted"), "game.zip"); got != "old archive" {
		t.Errorf("uncommitted archive not rolled back, content %q", got)
	}
	if got := readTree(t, filepath.Join(archives, "Committed"), "game.zip"); got != "new archive" {
		t.Errorf("committed archive lost, content %q", got)
	}
	for _, p := range []string{rollback.Backup, forward.Backup, moved.Backup, rollback.ArchiveBackup, forward.ArchiveBackup, gone, scratchA} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	if _, found, _ := env.store.Get(ctx, "gone"); found {
		t.Error("uninstalled record still present")
	}
	if left := dirNames(t, env.journal); len(left) != 0 {
		t.Errorf("journal not cleared: %v", left)
	}
	if left := dirNames(t, env.scratch); len(left) != 1 || left[0] != "unrelated" {
		t.Errorf("scratch = %v, want only the unrelated directory", left)
	}
}

func TestRecoverKeepScratch(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.KeepScratch = true })
	writeTree(t, filepath.Join(env.scratch, fetch.ScratchPrefix+"kept"), "payload", "x")

	report, err := env.svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if report.ScratchRemoved != 0 || len(dirNames(t, env.scratch)) != 1 {
		t.Error("scratch removed despite KeepScratch")
	}
}

func TestStartTakesLibraryLock(t *testing.T) {
	first := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := first.svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := first.svc.Start(ctx); !isKind(err, fault.InvalidArgument) {
		t.Errorf("second Start() error = %v, want InvalidArgument", err)
	}

	second, err := NewInstallService(Deps{Store: first.store, Engine: first.svc.engine}, Options{
		LibraryRoot: first.library,
		JournalDir:  first.journal,
		ScratchDir:  first.scratch,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.Start(ctx); !isKind(err, fault.Busy) {
		t.Errorf("Start() on a locked library error = %v, want Busy", err)
	}

	if err := first.svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := first.svc.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := second.Start(ctx); err != nil {
		t.Fatalf("Start() after release error = %v", err)
	}
	second.Close()
}
