package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/transaction"
)

// RecoveryReport summarizes what Recover cleaned up.
type RecoveryReport struct {
	RolledBack     int // installs whose previous tree was restored
	RolledForward  int // installs and uninstalls completed from the journal
	Discarded      int // unreadable journal entries
	ScratchRemoved int
}

// Recover finishes or undoes operations interrupted by a crash, then
// removes leftover scratch directories. It must run before any other
// operation on the library; Start calls it under the library lock.
func (s *InstallService) Recover(ctx context.Context) (*RecoveryReport, error) {
	dir := s.opts.JournalDir
	txns, bad, err := transaction.Pending(dir)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	for _, path := range bad {
		s.log.Warn("discarding unreadable journal entry", "path", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove journal entry", "path", path, "error", err)
		}
		report.Discarded++
	}

	for _, txn := range txns {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch txn.Operation {
		case transaction.OperationInstall:
			if s.installCommitted(ctx, txn) {
				s.log.Info("completing interrupted install", "item", txn.LocalItemID, "txn", txn.ID)
				s.removeAll([]string{txn.Backup, txn.ArchiveBackup})
				report.RolledForward++
			} else {
				s.log.Info("rolling back interrupted install", "item", txn.LocalItemID, "txn", txn.ID)
				_ = s.undoInstall(txn)
				report.RolledBack++
			}
			if txn.ScratchRoot != "" {
				s.removeAll([]string{txn.ScratchRoot})
			}
		case transaction.OperationUninstall:
			s.log.Info("completing interrupted uninstall", "item", txn.LocalItemID, "txn", txn.ID)
			s.removeAll(txn.RemovePaths)
			if err := s.store.Delete(ctx, txn.LocalItemID); err != nil {
				return report, err
			}
			report.RolledForward++
		default:
			s.log.Warn("discarding journal entry with unknown operation", "txn", txn.ID, "operation", string(txn.Operation))
			report.Discarded++
		}
		if err := txn.Remove(dir); err != nil {
			return report, err
		}
	}

	if !s.opts.KeepScratch {
		report.ScratchRemoved = s.sweepScratch()
	}
	if report.RolledBack+report.RolledForward+report.Discarded+report.ScratchRemoved > 0 {
		s.log.Info("recovered library",
			"rolled_back", report.RolledBack,
			"rolled_forward", report.RolledForward,
			"discarded", report.Discarded,
			"scratch_removed", report.ScratchRemoved,
		)
	}
	return report, nil
}

// installCommitted reports whether the store already holds the record the
// interrupted install was writing.
func (s *InstallService) installCommitted(ctx context.Context, txn *transaction.Txn) bool {
	if txn.RecordCommitted {
		return true
	}
	if !txn.Promoted {
		return false
	}
	rec, found, err := s.store.Get(ctx, txn.LocalItemID)
	if err != nil || !found {
		return false
	}
	return rec.IsInstalled && rec.InstallRootPath == txn.Target && strings.EqualFold(rec.LocalHash, txn.Hash)
}

func (s *InstallService) sweepScratch() int {
	entries, err := os.ReadDir(s.opts.ScratchDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), fetch.ScratchPrefix) {
			continue
		}
		path := filepath.Join(s.opts.ScratchDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn("failed to remove scratch directory", "path", path, "error", err)
			continue
		}
		n++
	}
	return n
}
