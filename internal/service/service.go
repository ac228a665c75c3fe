// Package service orchestrates install, uninstall, validation and
// reconciliation of remote items against the local library.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"

	"github.com/ZebulonRouseFrantzich/rombox/internal/auth"
	"github.com/ZebulonRouseFrantzich/rombox/internal/catalog"
	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/host"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
	"github.com/ZebulonRouseFrantzich/rombox/internal/metrics"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
	"github.com/ZebulonRouseFrantzich/rombox/internal/transaction"
)

const (
	// LibraryDirPermissions sets the permission mode for library directories.
	LibraryDirPermissions = 0755

	// DefaultReconcileWorkers bounds concurrent reconciliation.
	DefaultReconcileWorkers = 4

	// DefaultMetadataRetries is how often a transient metadata failure is retried.
	DefaultMetadataRetries = 3

	backupSuffix = ".rombox-old-"
	maxNameBytes = 200
)

// Sessions ensures an authenticated session for a server. *auth.SessionManager
// implements it.
type Sessions interface {
	Authenticate(ctx context.Context, serverURL string, creds credential.Credentials) (*auth.Session, error)
	Session(ctx context.Context, serverURL string, refresh bool) (*auth.Session, error)
}

// CredentialSaver persists credentials that authenticated successfully.
type CredentialSaver interface {
	Save(serverURL, username, secret string) error
}

// Catalog is the slice of the remote catalog client the service uses.
// *catalog.Client implements it.
type Catalog interface {
	fetch.Source
	GetItemDetails(ctx context.Context, remoteItemID string) (*catalog.ItemDetails, error)
	DownloadURL(d *catalog.ItemDetails) (string, error)
}

// CatalogFactory returns the catalog client for a server URL as configured,
// including any path prefix.
type CatalogFactory func(serverURL string) (Catalog, error)

// Deps are the collaborators of an InstallService.
type Deps struct {
	Store       state.Store
	Sessions    Sessions
	Catalogs    CatalogFactory
	Engine      *fetch.Engine
	Credentials CredentialSaver // nil skips saving supplied credentials
	Launch      host.LaunchEntryWriter
	Platforms   host.PlatformMapper
	Clock       Clock
	Metrics     metrics.Metrics
	Logger      logging.Logger
}

// Options tune an InstallService.
type Options struct {
	// ServerURL is used when a request names no server.
	ServerURL string
	// LibraryRoot receives installs under <platform>/<item name>.
	LibraryRoot string
	// ScratchDir hosts per-operation scratch directories.
	ScratchDir string
	// JournalDir holds the crash-recovery journal and the library lock.
	JournalDir string
	// ArchiveDir, when set, retains archives of extracted installs.
	ArchiveDir string
	// KeepScratch leaves leftover scratch directories alone during Recover.
	KeepScratch bool
	// RejectBusy fails with Busy instead of waiting for an item in use.
	RejectBusy bool
	// AllowUnverified installs items the server publishes no hash for.
	AllowUnverified  bool
	ReconcileWorkers int
	// MetadataRetries is the retry count for transient catalog failures;
	// negative disables retries.
	MetadataRetries int
	// BackOff overrides the retry schedule.
	BackOff backoff.BackOff
}

// InstallService is safe for concurrent use. Operations on one local item
// are serialized; different items proceed independently.
type InstallService struct {
	store     state.Store
	sessions  Sessions
	catalogs  CatalogFactory
	engine    *fetch.Engine
	creds     CredentialSaver
	launch    host.LaunchEntryWriter
	platforms host.PlatformMapper
	clock     Clock
	metrics   metrics.Metrics
	log       logging.Logger
	opts      Options

	locks  *itemLocks
	claims *targetClaims

	catMu     sync.Mutex
	catClient map[string]Catalog

	libMu   sync.Mutex
	libLock *transaction.Lock
	stop    chan struct{}
}

// NewInstallService creates a service. Store, Engine and LibraryRoot are
// required; the network collaborators are only needed by Install.
func NewInstallService(deps Deps, opts Options) (*InstallService, error) {
	const op = "service.New"
	switch {
	case deps.Store == nil:
		return nil, fault.Newf(fault.InvalidArgument, op, "store is required")
	case deps.Engine == nil:
		return nil, fault.Newf(fault.InvalidArgument, op, "engine is required")
	case opts.LibraryRoot == "":
		return nil, fault.Newf(fault.InvalidArgument, op, "library root is required")
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "rombox")
	}
	if opts.JournalDir == "" {
		opts.JournalDir = filepath.Join(opts.LibraryRoot, ".rombox", "journal")
	}
	if opts.ReconcileWorkers <= 0 {
		opts.ReconcileWorkers = DefaultReconcileWorkers
	}
	if opts.MetadataRetries == 0 {
		opts.MetadataRetries = DefaultMetadataRetries
	}

	s := &InstallService{
		store:     deps.Store,
		sessions:  deps.Sessions,
		catalogs:  deps.Catalogs,
		engine:    deps.Engine,
		creds:     deps.Credentials,
		launch:    deps.Launch,
		platforms: deps.Platforms,
		clock:     deps.Clock,
		metrics:   metrics.OrNoop(deps.Metrics),
		log:       logging.OrNop(deps.Logger),
		opts:      opts,
		locks:     newItemLocks(),
		claims:    newTargetClaims(),
		catClient: make(map[string]Catalog),
	}
	if s.launch == nil {
		s.launch = host.NopLaunchWriter{}
	}
	if s.platforms == nil {
		s.platforms = host.MapPlatforms(nil)
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	return s, nil
}

// Start takes the library lock and recovers interrupted operations. The
// lock is refreshed until Close.
func (s *InstallService) Start(ctx context.Context) (*RecoveryReport, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	if s.libLock != nil {
		return nil, fault.Newf(fault.InvalidArgument, "service.Start", "already started")
	}

	lock, err := transaction.AcquireLock(ctx, s.opts.JournalDir)
	if err != nil {
		if errors.Is(err, transaction.ErrLockExists) {
			return nil, fault.New(fault.Busy, "service.Start", err)
		}
		return nil, err
	}

	report, err := s.Recover(ctx)
	if err != nil {
		lock.Release()
		return nil, err
	}

	s.libLock = lock
	s.stop = make(chan struct{})
	go s.keepLock(lock, s.stop)
	return report, nil
}

func (s *InstallService) keepLock(lock *transaction.Lock, stop <-chan struct{}) {
	ticker := time.NewTicker(transaction.StaleLockThreshold / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lock.Touch(); err != nil {
				s.log.Warn("failed to refresh library lock", "error", err)
			}
		}
	}
}

// Close releases the library lock taken by Start.
func (s *InstallService) Close() error {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	if s.libLock == nil {
		return nil
	}
	close(s.stop)
	err := s.libLock.Release()
	s.libLock = nil
	return err
}

// GetState returns the stored record, or a not-installed record when there
// is none. It never touches the network.
func (s *InstallService) GetState(ctx context.Context, localItemID string) (state.InstallState, error) {
	if localItemID == "" {
		return state.InstallState{}, fault.Newf(fault.InvalidArgument, "service.GetState", "local item id is required")
	}
	rec, found, err := s.store.Get(ctx, localItemID)
	if err != nil {
		if fault.KindOf(err) == fault.StorageCorruption {
			s.log.Warn("unreadable install record, reporting not installed", "item", localItemID, "error", err)
			return state.NotInstalled(localItemID), nil
		}
		return state.InstallState{}, err
	}
	if !found {
		return state.NotInstalled(localItemID), nil
	}
	return rec, nil
}

// List returns every stored record.
func (s *InstallService) List(ctx context.Context) ([]state.InstallState, error) {
	return s.store.ListAll(ctx)
}

// catalogFor returns the cached client for the server normalized as key.
func (s *InstallService) catalogFor(key, serverURL string) (Catalog, error) {
	if s.catalogs == nil {
		return nil, fault.Newf(fault.NotConfigured, "service.Install", "no catalog configured")
	}
	s.catMu.Lock()
	defer s.catMu.Unlock()
	if c, ok := s.catClient[key]; ok {
		return c, nil
	}
	c, err := s.catalogs(serverURL)
	if err != nil {
		return nil, err
	}
	s.catClient[key] = c
	return c, nil
}

// retry runs op, retrying retryable faults with backoff.
func retry[T any](ctx context.Context, s *InstallService, name string, op func() (T, error)) (T, error) {
	b := s.opts.BackOff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 10 * time.Second
		b = eb
	} else {
		b.Reset()
	}
	tries := 1
	if s.opts.MetadataRetries > 0 {
		tries += s.opts.MetadataRetries
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !fault.Retryable(fault.KindOf(err)) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			s.log.Debug("retrying after transient failure", "op", name, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(tries)))
	if err != nil {
		if k := fault.KindOf(err); k != fault.Cancelled && k != fault.Timeout {
			if fe := fault.FromContext(ctx, name, err); fe != nil {
				return v, fe
			}
		}
	}
	return v, err
}

// removePath deletes path unless it is empty, relative or one of the
// configured roots. A missing path is not an error.
func (s *InstallService) removePath(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return nil
	}
	clean := filepath.Clean(path)
	if clean == filepath.Dir(clean) {
		return fmt.Errorf("refusing to remove %s", clean)
	}
	for _, root := range []string{s.opts.LibraryRoot, s.opts.ArchiveDir, s.opts.ScratchDir} {
		if root != "" && clean == filepath.Clean(root) {
			return fmt.Errorf("refusing to remove %s", clean)
		}
	}
	if err := os.RemoveAll(clean); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// outcome is the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}

// sanitizeName makes s usable as a single path element on every platform.
func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, s)
	s = strings.Trim(strings.TrimSpace(s), ".")
	s = strings.TrimSpace(s)
	for len(s) > maxNameBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	return s
}
