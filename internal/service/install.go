package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ZebulonRouseFrantzich/rombox/internal/catalog"
	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/host"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
	"github.com/ZebulonRouseFrantzich/rombox/internal/transaction"
)

// InstallRequest asks for a remote item to be installed for a local item.
type InstallRequest struct {
	LocalItemID  string // defaults to Game's id
	RemoteItemID string
	ServerURL    string // defaults to Options.ServerURL
	// Credentials are tried instead of stored ones and saved when they
	// authenticate.
	Credentials *credential.Credentials
	Game        host.Game
	// MergeInto names the parent local item that receives a merged launch
	// entry for this install.
	MergeInto  string
	LaunchArgs string
	// Progress receives download progress and is closed when Install returns.
	Progress *fetch.Progress
}

// InstallResult is the outcome of a successful install.
type InstallResult struct {
	State    state.InstallState
	Download *fetch.DownloadResult
}

// Install downloads, verifies, extracts and records a remote item. Any
// failure leaves the previous record and installed files untouched.
func (s *InstallService) Install(ctx context.Context, req InstallRequest) (res *InstallResult, err error) {
	const op = "service.Install"
	defer req.Progress.Close()

	start := s.clock.Now()
	defer func() { s.metrics.ObserveInstall(outcome(err), s.clock.Now().Sub(start)) }()

	if req.LocalItemID == "" && req.Game != nil {
		req.LocalItemID = req.Game.GetLocalItemID()
	}
	if req.LocalItemID == "" {
		return nil, fault.Newf(fault.InvalidArgument, op, "local item id is required")
	}
	if req.RemoteItemID == "" {
		return nil, fault.Newf(fault.InvalidArgument, op, "remote item id is required").WithItem("", req.LocalItemID)
	}
	key, server, err := s.serverFor(req.ServerURL)
	if err != nil {
		return nil, annotate(err, "", req.LocalItemID)
	}

	release, err := s.lockItem(ctx, op, req.LocalItemID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := s.log
	log.Info("installing item", "item", req.LocalItemID, "remote", req.RemoteItemID, "server", key)

	if err := s.ensureSession(ctx, server, req.Credentials); err != nil {
		return nil, annotate(err, key, req.RemoteItemID)
	}

	cat, err := s.catalogFor(key, server)
	if err != nil {
		return nil, err
	}
	details, err := retry(ctx, s, "catalog.GetItemDetails", func() (*catalog.ItemDetails, error) {
		return cat.GetItemDetails(ctx, req.RemoteItemID)
	})
	if err != nil {
		return nil, annotate(err, key, req.RemoteItemID)
	}
	downloadURL, err := cat.DownloadURL(details)
	if err != nil {
		return nil, annotate(err, key, req.RemoteItemID)
	}
	if details.Hash == "" && !s.opts.AllowUnverified {
		return nil, (&fault.Error{
			Kind:    fault.IntegrityMismatch,
			Op:      op,
			Message: "server publishes no hash for this item",
		}).WithItem(key, req.RemoteItemID)
	}

	prev, found, err := s.store.Get(ctx, req.LocalItemID)
	if err != nil {
		if fault.KindOf(err) != fault.StorageCorruption {
			return nil, err
		}
		log.Warn("replacing unreadable install record", "item", req.LocalItemID, "error", err)
		found = false
	}
	if !found {
		prev = state.NotInstalled(req.LocalItemID)
	}

	target, unclaim := s.claimTarget(ctx, req.LocalItemID, prev,
		filepath.Join(s.opts.LibraryRoot, s.platformDir(details, req.Game), s.itemDir(details, req)),
		req.RemoteItemID)
	defer unclaim()
	if err := os.MkdirAll(s.opts.ScratchDir, LibraryDirPermissions); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	var committed state.InstallState
	dl, err := s.engine.Run(ctx, fetch.Request{
		URL:           downloadURL,
		Source:        cat,
		ExpectedHash:  details.Hash,
		ScratchParent: s.opts.ScratchDir,
		FileName:      details.FileName,
		Progress:      req.Progress,
		Commit: func(ctx context.Context, dl *fetch.DownloadResult) error {
			rec, err := s.promote(ctx, req, prev, details, key, target, dl)
			committed = rec
			return err
		},
	})
	if err != nil {
		log.Warn("install failed", "item", req.LocalItemID, "stage", dl.FailedStage.String(), "error", err)
		return nil, annotate(err, key, req.RemoteItemID)
	}

	s.cleanupPrevious(prev, committed)
	s.metrics.AddDownloadedBytes(dl.Size)

	if req.MergeInto != "" {
		entry := host.MergedLaunchEntry{
			LaunchPath:        committed.LaunchPath,
			LaunchArgs:        committed.LaunchArgs,
			SecondaryAppID:    committed.SecondaryAppID,
			ParentLocalItemID: req.MergeInto,
		}
		if err := s.launch.WriteMergedLaunchEntry(ctx, entry); err != nil {
			log.Warn("failed to write merged launch entry", "item", req.LocalItemID, "parent", req.MergeInto, "error", err)
		}
	}

	log.Info("installed item", "item", req.LocalItemID, "path", committed.InstalledPath, "type", committed.InstallType.String())
	return &InstallResult{State: committed, Download: dl}, nil
}

// ensureSession authenticates with supplied credentials, saving them on
// success, or makes sure a session from stored credentials exists.
func (s *InstallService) ensureSession(ctx context.Context, serverURL string, creds *credential.Credentials) error {
	if s.sessions == nil {
		return fault.Newf(fault.NotConfigured, "service.Install", "no session manager configured")
	}
	if creds == nil {
		_, err := s.sessions.Session(ctx, serverURL, false)
		return err
	}
	if _, err := s.sessions.Authenticate(ctx, serverURL, *creds); err != nil {
		return err
	}
	if s.creds != nil {
		if err := s.creds.Save(serverURL, creds.Username, creds.Secret); err != nil {
			s.log.Warn("failed to save credentials", "server", serverURL, "error", err)
		}
	}
	return nil
}

// promote moves the verified payload into target, and a retained archive
// into its keep path, then records the install. It runs inside the engine's
// commit hook, while the scratch directory still exists. On failure the
// previous tree and archive are restored.
func (s *InstallService) promote(ctx context.Context, req InstallRequest, prev state.InstallState, d *catalog.ItemDetails, server, target string, dl *fetch.DownloadResult) (state.InstallState, error) {
	dir := s.opts.JournalDir
	txn := transaction.New(transaction.OperationInstall, req.LocalItemID)
	txn.ScratchRoot = dl.TempRoot
	txn.Target = target
	txn.Hash = dl.Hash
	if exists(target) {
		txn.Backup = target + backupSuffix + txn.ID[:8]
	}
	if s.opts.ArchiveDir != "" && dl.ExtractedPath != "" {
		txn.Archive = s.archivePath(target, dl.ArchivePath)
		if exists(txn.Archive) {
			txn.ArchiveBackup = txn.Archive + backupSuffix + txn.ID[:8]
		}
	}
	if err := txn.Update(dir, transaction.StateInProgress, nil); err != nil {
		return state.InstallState{}, fmt.Errorf("journal install: %w", err)
	}

	rollback := func(cause error) error {
		if err := s.undoInstall(txn); err != nil {
			_ = txn.Update(dir, transaction.StateFailed, cause)
			return cause
		}
		if err := txn.Remove(dir); err != nil {
			s.log.Warn("failed to clear journal entry", "txn", txn.ID, "error", err)
		}
		return cause
	}

	if err := os.MkdirAll(filepath.Dir(target), LibraryDirPermissions); err != nil {
		return state.InstallState{}, rollback(fmt.Errorf("create platform dir: %w", err))
	}
	if txn.Backup != "" {
		if err := os.Rename(target, txn.Backup); err != nil {
			return state.InstallState{}, rollback(fmt.Errorf("move previous install aside: %w", err))
		}
	}
	if txn.ArchiveBackup != "" {
		if err := os.Rename(txn.Archive, txn.ArchiveBackup); err != nil {
			return state.InstallState{}, rollback(fmt.Errorf("move previous archive aside: %w", err))
		}
	}

	// Archives land as the tree at target; a plain payload as a file in it.
	src, dst := dl.ExtractedPath, target
	if src == "" {
		src = dl.ArchivePath
		dst = filepath.Join(target, filepath.Base(dl.ArchivePath))
	}
	// Journal first: Promoted means target may hold the new tree.
	txn.Promoted = true
	if err := txn.Save(dir); err != nil {
		return state.InstallState{}, rollback(fmt.Errorf("journal install: %w", err))
	}
	if err := fetch.Move(src, dst); err != nil {
		return state.InstallState{}, rollback(fmt.Errorf("promote install: %w", err))
	}
	if txn.Archive != "" {
		if err := fetch.Move(dl.ArchivePath, txn.Archive); err != nil {
			return state.InstallState{}, rollback(fmt.Errorf("retain archive: %w", err))
		}
	}

	launch := ""
	if dl.LaunchTarget != "" {
		if rel, err := filepath.Rel(src, dl.LaunchTarget); err == nil {
			launch = filepath.Join(dst, rel)
		}
	}

	now := s.clock.Now().UTC()
	rec := state.InstallState{
		LocalItemID:      req.LocalItemID,
		RemoteItemID:     d.ID,
		RemotePlatformID: d.PlatformID,
		ServerURL:        server,
		RemoteHash:       d.Hash,
		LocalHash:        dl.Hash,
		InstallType:      dl.InstallType,
		InstalledPath:    dst,
		InstallRootPath:  target,
		IsInstalled:      true,
		InstalledAt:      &now,
		LastValidatedAt:  prev.LastValidatedAt,
		SecondaryAppID:   prev.SecondaryAppID,
		MergedBaseItemID: prev.MergedBaseItemID,
		LaunchPath:       launch,
		LaunchArgs:       req.LaunchArgs,
		LastSyncedAt:     prev.LastSyncedAt,
	}
	rec.ArchivePath = txn.Archive
	if req.LaunchArgs == "" {
		rec.LaunchArgs = prev.LaunchArgs
	}
	if req.MergeInto != "" {
		if rec.SecondaryAppID == "" {
			rec.SecondaryAppID = uuid.NewString()
		}
		rec.MergedBaseItemID = req.MergeInto
		rec.LastSyncedAt = &now
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return state.InstallState{}, rollback(err)
	}
	txn.RecordCommitted = true
	if err := txn.Update(dir, transaction.StateCompleted, nil); err != nil {
		s.log.Warn("failed to journal committed install", "txn", txn.ID, "error", err)
	}

	for _, backup := range []string{txn.Backup, txn.ArchiveBackup} {
		if backup == "" {
			continue
		}
		if err := os.RemoveAll(backup); err != nil {
			s.log.Warn("failed to remove previous install", "path", backup, "error", err)
		}
	}
	if err := txn.Remove(dir); err != nil {
		s.log.Warn("failed to clear journal entry", "txn", txn.ID, "error", err)
	}
	return rec, nil
}

// archivePath is where the archive of an install into target is kept:
// <ArchiveDir>/<platform>/<install dir>/<file>. The install dir is claimed per
// item, so no two items share an archive.
func (s *InstallService) archivePath(target, archive string) string {
	return filepath.Join(s.opts.ArchiveDir, filepath.Base(filepath.Dir(target)), filepath.Base(target), filepath.Base(archive))
}

// undoInstall removes whatever an install promoted and moves the previous
// tree and archive back. It is shared by promote and Recover.
func (s *InstallService) undoInstall(txn *transaction.Txn) error {
	if txn.Promoted {
		for _, p := range []string{txn.Target, txn.Archive} {
			if err := s.removePath(p); err != nil {
				s.log.Error("failed to remove uncommitted install", "path", p, "error", err)
				return err
			}
		}
	}
	restores := [][2]string{{txn.Backup, txn.Target}, {txn.ArchiveBackup, txn.Archive}}
	for _, r := range restores {
		backup, orig := r[0], r[1]
		if backup == "" || !exists(backup) || exists(orig) {
			continue
		}
		if err := os.Rename(backup, orig); err != nil {
			s.log.Error("failed to restore previous install", "path", orig, "backup", backup, "error", err)
			return err
		}
	}
	return nil
}

// cleanupPrevious removes files of the previous install that the new one
// did not replace in place.
func (s *InstallService) cleanupPrevious(prev, cur state.InstallState) {
	if !prev.IsInstalled {
		return
	}
	if prev.InstallRootPath != "" && prev.InstallRootPath != cur.InstallRootPath {
		if err := s.removePath(prev.InstallRootPath); err != nil {
			s.log.Warn("failed to remove previous install", "path", prev.InstallRootPath, "error", err)
		}
	}
	if prev.ArchivePath != "" && prev.ArchivePath != cur.ArchivePath {
		if err := s.removePath(prev.ArchivePath); err != nil {
			s.log.Warn("failed to remove previous archive", "path", prev.ArchivePath, "error", err)
		}
	}
}

// platformDir names the library folder for the item's platform: the mapped
// host platform name, else the host game's platform, else the remote slug.
func (s *InstallService) platformDir(d *catalog.ItemDetails, game host.Game) string {
	if name, ok := s.platforms.ResolveLaunchBoxPlatformName(d.PlatformID); ok {
		if n := sanitizeName(name); n != "" {
			return n
		}
	}
	if game != nil {
		if n := sanitizeName(game.GetPlatformName()); n != "" {
			return n
		}
	}
	if n := sanitizeName(d.PlatformSlug); n != "" {
		return n
	}
	return "Unknown"
}

func (s *InstallService) itemDir(d *catalog.ItemDetails, req InstallRequest) string {
	if n := sanitizeName(d.Name); n != "" {
		return n
	}
	if req.Game != nil {
		if n := sanitizeName(req.Game.GetDisplayName()); n != "" {
			return n
		}
	}
	if n := sanitizeName(d.ID); n != "" {
		return n
	}
	if n := sanitizeName(req.RemoteItemID); n != "" {
		return n
	}
	return "Unnamed"
}

// claimTarget reserves the install directory for localItemID until the
// returned release runs. It returns base unless another installed record or
// an install in flight owns it, in which case the remote id, then the local
// id, is appended. A reinstall keeps the directory prev already uses when it
// is one of those candidates.
func (s *InstallService) claimTarget(ctx context.Context, localItemID string, prev state.InstallState, base, remoteItemID string) (string, func()) {
	s.claims.mu.Lock()
	defer s.claims.mu.Unlock()

	owned := make(map[string]bool)
	for path, owner := range s.claims.owner {
		if owner != localItemID {
			owned[path] = true
		}
	}
	recs, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.Warn("cannot check install directory owners", "path", base, "error", err)
	}
	for _, rec := range recs {
		if rec.LocalItemID != localItemID && rec.IsInstalled && rec.InstallRootPath != "" {
			owned[filepath.Clean(rec.InstallRootPath)] = true
		}
	}

	candidates := []string{
		base,
		base + " [" + sanitizeName(remoteItemID) + "]",
		base + " [" + sanitizeName(localItemID) + "]",
	}
	if prev.IsInstalled && prev.InstallRootPath != "" {
		for i, c := range candidates {
			if filepath.Clean(c) == filepath.Clean(prev.InstallRootPath) {
				candidates = append([]string{c}, append(candidates[:i:i], candidates[i+1:]...)...)
				break
			}
		}
	}
	target := ""
	for _, c := range candidates {
		if !owned[filepath.Clean(c)] {
			target = c
			break
		}
	}
	for n := 2; target == ""; n++ {
		if c := fmt.Sprintf("%s (%d)", candidates[len(candidates)-1], n); !owned[filepath.Clean(c)] {
			target = c
		}
	}
	if target != base && filepath.Clean(target) != filepath.Clean(prev.InstallRootPath) {
		s.log.Info("install directory taken by another item", "path", base, "using", target)
	}

	key := filepath.Clean(target)
	s.claims.owner[key] = localItemID
	return target, func() { s.claims.release(key, localItemID) }
}

// annotate attaches server and remote item to err when it is a fault.
func annotate(err error, serverURL, itemID string) error {
	fe := fault.As(err, fault.KindUnknown, "service.Install")
	if fe == nil {
		return nil
	}
	return fe.WithItem(serverURL, itemID)
}
