package service

import (
	"context"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ZebulonRouseFrantzich/rombox/internal/catalog"
	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

// ReconcileStatus classifies one stored record against disk and remote.
type ReconcileStatus int

const (
	ReconcileOK ReconcileStatus = iota
	ReconcileOrphaned
	ReconcileRemoteMissing
	ReconcileUpdateAvailable
	ReconcileNotInstalled
	// ReconcileFailed means the record could not be checked or updated;
	// Detail holds the error.
	ReconcileFailed
)

func (s ReconcileStatus) String() string {
	switch s {
	case ReconcileOK:
		return "OK"
	case ReconcileOrphaned:
		return "Orphaned"
	case ReconcileRemoteMissing:
		return "RemoteMissing"
	case ReconcileUpdateAvailable:
		return "UpdateAvailable"
	case ReconcileNotInstalled:
		return "NotInstalled"
	case ReconcileFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RemoteItem is one entry of the remote catalog snapshot.
type RemoteItem struct {
	ID   string
	Hash string
}

// ReconcileItem is the outcome for one stored record.
type ReconcileItem struct {
	LocalItemID  string
	RemoteItemID string
	Status       ReconcileStatus
	Detail       string
}

// ReconcileReport lists every stored record in local id order and the
// remote ids no record refers to.
type ReconcileReport struct {
	Items     []ReconcileItem
	Untracked []string
}

// Count returns how many items have status st.
func (r *ReconcileReport) Count(st ReconcileStatus) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == st {
			n++
		}
	}
	return n
}

// Reconcile compares every stored record with the filesystem and with the
// remote snapshot. Installed records whose files vanished are marked not
// installed. An empty snapshot disables the remote checks.
func (s *InstallService) Reconcile(ctx context.Context, remote []RemoteItem) (*ReconcileReport, error) {
	const op = "service.Reconcile"

	records, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]RemoteItem, len(remote))
	for _, r := range remote {
		byID[r.ID] = r
	}

	items := make([]ReconcileItem, len(records))
	skip := make([]bool, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ReconcileWorkers)
	for i, rec := range records {
		g.Go(func() error {
			release, err := s.locks.acquire(gctx, op, rec.LocalItemID, false)
			if err != nil {
				return err
			}
			defer release()

			item, ok, err := s.reconcileOne(gctx, rec.LocalItemID, byID)
			if err != nil {
				if fe := fault.FromContext(gctx, op, err); fe != nil {
					return fe
				}
				item = ReconcileItem{LocalItemID: rec.LocalItemID, RemoteItemID: rec.RemoteItemID, Status: ReconcileFailed, Detail: err.Error()}
				ok = true
				s.log.Warn("reconcile failed for item", "item", rec.LocalItemID, "error", err)
			}
			items[i], skip[i] = item, !ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	tracked := make(map[string]bool, len(records))
	for i, it := range items {
		tracked[records[i].RemoteItemID] = true
		if skip[i] {
			continue
		}
		report.Items = append(report.Items, it)
		s.metrics.ObserveReconcile(it.Status.String())
	}
	for _, r := range remote {
		if !tracked[r.ID] {
			report.Untracked = append(report.Untracked, r.ID)
		}
	}
	sort.Strings(report.Untracked)

	s.log.Info("reconciled library",
		"records", len(report.Items),
		"orphaned", report.Count(ReconcileOrphaned),
		"remote_missing", report.Count(ReconcileRemoteMissing),
		"updates", report.Count(ReconcileUpdateAvailable),
		"untracked", len(report.Untracked),
		"failed", report.Count(ReconcileFailed),
	)
	return report, nil
}

// reconcileOne re-reads the record under its lock. ok is false when the
// record disappeared in the meantime.
func (s *InstallService) reconcileOne(ctx context.Context, id string, remote map[string]RemoteItem) (ReconcileItem, bool, error) {
	rec, found, err := s.store.Get(ctx, id)
	if err != nil || !found {
		return ReconcileItem{}, false, err
	}
	item := ReconcileItem{LocalItemID: id, RemoteItemID: rec.RemoteItemID}

	if !rec.IsInstalled {
		item.Status = ReconcileNotInstalled
		return item, true, nil
	}
	if missing := missingArtifact(rec); missing != "" {
		rec.IsInstalled = false
		if err := s.store.Put(ctx, rec); err != nil {
			return item, true, err
		}
		item.Status = ReconcileOrphaned
		item.Detail = missing + " is missing"
		return item, true, nil
	}
	if len(remote) > 0 {
		r, ok := remote[rec.RemoteItemID]
		if !ok {
			item.Status = ReconcileRemoteMissing
			return item, true, nil
		}
		if hashChanged(rec.RemoteHash, r.Hash) {
			item.Status = ReconcileUpdateAvailable
			item.Detail = "remote hash " + r.Hash
			return item, true, nil
		}
	}
	item.Status = ReconcileOK
	return item, true, nil
}

func missingArtifact(rec state.InstallState) string {
	for _, p := range []string{rec.InstalledPath, rec.ArchivePath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return p
		}
	}
	return ""
}

// hashChanged reports whether two digests of the same algorithm differ.
// Digests of different algorithms, or an empty side, are not comparable.
func hashChanged(recorded, current string) bool {
	if recorded == "" || current == "" {
		return false
	}
	a, errA := fetch.ParseDigest(recorded)
	b, errB := fetch.ParseDigest(current)
	if errA != nil || errB != nil {
		return !strings.EqualFold(recorded, current)
	}
	if a.Algorithm != b.Algorithm {
		return false
	}
	return !strings.EqualFold(a.Hex, b.Hex)
}

// FetchRemote builds a remote snapshot for Reconcile by looking up the
// remote item of every stored record. Items the server no longer has are
// left out; any other failure aborts.
func (s *InstallService) FetchRemote(ctx context.Context) ([]RemoteItem, error) {
	const op = "service.FetchRemote"
	records, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	found := make([]*RemoteItem, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ReconcileWorkers)
	for i, rec := range records {
		if rec.RemoteItemID == "" {
			continue
		}
		g.Go(func() error {
			key, server, err := s.serverFor(rec.ServerURL)
			if err != nil {
				return err
			}
			cat, err := s.catalogFor(key, server)
			if err != nil {
				return err
			}
			d, err := retry(gctx, s, op, func() (*catalog.ItemDetails, error) {
				return cat.GetItemDetails(gctx, rec.RemoteItemID)
			})
			switch {
			case fault.KindOf(err) == fault.NotFound:
				return nil
			case err != nil:
				return annotate(err, key, rec.RemoteItemID)
			}
			found[i] = &RemoteItem{ID: rec.RemoteItemID, Hash: d.Hash}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []RemoteItem
	seen := make(map[string]bool)
	for _, r := range found {
		if r != nil && !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, *r)
		}
	}
	return out, nil
}

// serverFor resolves a recorded server key to a cache key and the URL to
// dial. The configured server URL is preferred when it names the same
// server, so its path prefix is kept.
func (s *InstallService) serverFor(recorded string) (key, server string, err error) {
	server = recorded
	if server == "" {
		server = s.opts.ServerURL
	}
	if server == "" {
		return "", "", fault.Newf(fault.NotConfigured, "service", "no server URL configured")
	}
	key, err = credential.NormalizeServerURL(server)
	if err != nil {
		return "", "", err
	}
	if s.opts.ServerURL != "" {
		if k, err := credential.NormalizeServerURL(s.opts.ServerURL); err == nil && k == key {
			server = s.opts.ServerURL
		}
	}
	return key, server, nil
}
