package service

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/transaction"
)

// Uninstall removes the installed files and the record of an item. Missing
// files are ignored and uninstalling an unknown item is a no-op.
func (s *InstallService) Uninstall(ctx context.Context, localItemID string) (err error) {
	const op = "service.Uninstall"
	if localItemID == "" {
		return fault.Newf(fault.InvalidArgument, op, "local item id is required")
	}

	release, err := s.lockItem(ctx, op, localItemID)
	if err != nil {
		return err
	}
	defer release()

	rec, found, err := s.store.Get(ctx, localItemID)
	if err != nil {
		if fault.KindOf(err) != fault.StorageCorruption {
			return err
		}
		// Nothing trustworthy to remove on disk; drop the record only.
		s.log.Warn("removing unreadable install record", "item", localItemID, "error", err)
		found = true
	}
	if !found {
		s.log.Debug("uninstall of unknown item", "item", localItemID)
		return nil
	}
	defer func() { s.metrics.ObserveUninstall(outcome(err)) }()

	txn := transaction.New(transaction.OperationUninstall, localItemID)
	for _, p := range []string{rec.InstalledPath, rec.InstallRootPath, rec.ArchivePath} {
		if p != "" {
			txn.RemovePaths = append(txn.RemovePaths, p)
		}
	}
	if err := txn.Update(s.opts.JournalDir, transaction.StateInProgress, nil); err != nil {
		return err
	}

	s.removeAll(txn.RemovePaths)
	if rec.ArchivePath != "" {
		// Drop the per-item archive directory once it is empty.
		if dir := filepath.Dir(rec.ArchivePath); filepath.Clean(dir) != filepath.Clean(s.opts.ArchiveDir) {
			_ = os.Remove(dir)
		}
	}

	if err := s.store.Delete(ctx, localItemID); err != nil {
		_ = txn.Update(s.opts.JournalDir, transaction.StateFailed, err)
		return err
	}
	if err := txn.Remove(s.opts.JournalDir); err != nil {
		s.log.Warn("failed to clear journal entry", "txn", txn.ID, "error", err)
	}
	s.log.Info("uninstalled item", "item", localItemID)
	return nil
}

func (s *InstallService) removeAll(paths []string) {
	for _, p := range paths {
		if err := s.removePath(p); err != nil {
			s.log.Warn("failed to remove installed files", "path", p, "error", err)
		}
	}
}
