package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ZebulonRouseFrantzich/rombox/internal/auth"
	"github.com/ZebulonRouseFrantzich/rombox/internal/catalog"
	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/host"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

const testServer = "https://romm.example.com"

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeItem struct {
	details catalog.ItemDetails
	content []byte
}

// fakeCatalog serves items from memory. Open hands out a stalling body when
// stall is set so tests can cancel mid-download. With gate set, Open reports
// the item on arrived and waits for gate to close.
type fakeCatalog struct {
	mu          sync.Mutex
	items       map[string]fakeItem
	detailCalls int
	failures    int
	failKind    fault.Kind
	stall       bool
	started     chan struct{}
	gate        chan struct{}
	arrived     chan string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{items: make(map[string]fakeItem), started: make(chan struct{})}
}

func (c *fakeCatalog) add(id, name, fileName string, content []byte, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = fakeItem{
		details: catalog.ItemDetails{
			ID:           id,
			Name:         name,
			FileName:     fileName,
			PlatformID:   "19",
			PlatformSlug: "snes",
			Size:         int64(len(content)),
			Hash:         hash,
		},
		content: content,
	}
}

func (c *fakeCatalog) GetItemDetails(ctx context.Context, id string) (*catalog.ItemDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detailCalls++
	if c.failures > 0 {
		c.failures--
		return nil, fault.Newf(c.failKind, "catalog.GetItemDetails", "injected failure")
	}
	it, ok := c.items[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "catalog.GetItemDetails", "no such item")
	}
	d := it.details
	return &d, nil
}

func (c *fakeCatalog) DownloadURL(d *catalog.ItemDetails) (string, error) {
	return "fake://" + d.ID, nil
}

func (c *fakeCatalog) Open(ctx context.Context, url string, offset int64) (*fetch.Stream, error) {
	c.mu.Lock()
	it, ok := c.items[strings.TrimPrefix(url, "fake://")]
	stall, gate, arrived := c.stall, c.gate, c.arrived
	c.mu.Unlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "catalog.Open", "no such item")
	}
	if gate != nil {
		arrived <- it.details.ID
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	size := int64(len(it.content))
	if stall {
		return &fetch.Stream{Body: &stallingBody{ctx: ctx, first: it.content[:4], started: c.started}, Size: size}, nil
	}
	return &fetch.Stream{
		Body:     io.NopCloser(bytes.NewReader(it.content[offset:])),
		Offset:   offset,
		Size:     size,
		FileName: it.details.FileName,
	}, nil
}

// hold makes every Open wait until the returned func is called.
func (c *fakeCatalog) hold() (arrived <-chan string, open func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.arrived = make(chan string, 16)
	gate := c.gate
	return c.arrived, func() { close(gate) }
}

func waitArrival(t *testing.T, arrived <-chan string) string {
	t.Helper()
	select {
	case id := <-arrived:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
		return ""
	}
}

func (c *fakeCatalog) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detailCalls
}

// stallingBody returns a few bytes, then blocks until its context ends.
type stallingBody struct {
	ctx     context.Context
	first   []byte
	sent    bool
	started chan struct{}
}

func (b *stallingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		close(b.started)
		return copy(p, b.first), nil
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *stallingBody) Close() error { return nil }

type fakeSessions struct {
	mu           sync.Mutex
	err          error
	authCalls    int
	sessionCalls int
}

func (f *fakeSessions) Authenticate(ctx context.Context, serverURL string, creds credential.Credentials) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Session{ServerURL: serverURL, Token: "tok"}, nil
}

func (f *fakeSessions) Session(ctx context.Context, serverURL string, refresh bool) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Session{ServerURL: serverURL, Token: "tok"}, nil
}

type savedCredential struct {
	server, username, secret string
}

type fakeSaver struct {
	saved []savedCredential
}

func (f *fakeSaver) Save(serverURL, username, secret string) error {
	f.saved = append(f.saved, savedCredential{serverURL, username, secret})
	return nil
}

type recordingLaunch struct {
	mu      sync.Mutex
	entries []host.MergedLaunchEntry
}

func (r *recordingLaunch) WriteMergedLaunchEntry(ctx context.Context, e host.MergedLaunchEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// failingPutStore fails every Put once failPut is set.
type failingPutStore struct {
	state.Store
	failPut bool
}

func (s *failingPutStore) Put(ctx context.Context, rec state.InstallState) error {
	if s.failPut {
		return fault.Newf(fault.StorageCorruption, "state.Put", "disk full")
	}
	return s.Store.Put(ctx, rec)
}

type testEnv struct {
	svc      *InstallService
	catalog  *fakeCatalog
	sessions *fakeSessions
	saver    *fakeSaver
	launch   *recordingLaunch
	store    *failingPutStore
	library  string
	scratch  string
	journal  string
	archives string
}

func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()
	root := t.TempDir()
	fs, err := state.OpenFileStore(filepath.Join(root, "state"), nil)
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}
	env := &testEnv{
		catalog:  newFakeCatalog(),
		sessions: &fakeSessions{},
		saver:    &fakeSaver{},
		launch:   &recordingLaunch{},
		store:    &failingPutStore{Store: fs},
		library:  filepath.Join(root, "library"),
		scratch:  filepath.Join(root, "scratch"),
		journal:  filepath.Join(root, "journal"),
		archives: filepath.Join(root, "archives"),
	}
	engine := fetch.NewEngine(fetch.EngineConfig{
		Downloader: fetch.NewDownloader(fetch.DownloaderConfig{Retries: -1, BackOff: &backoff.ZeroBackOff{}}),
	})
	opts := Options{
		ServerURL:   testServer,
		LibraryRoot: env.library,
		ScratchDir:  env.scratch,
		JournalDir:  env.journal,
		BackOff:     &backoff.ZeroBackOff{},
	}
	if tweak != nil {
		tweak(&opts)
	}
	env.svc, err = NewInstallService(Deps{
		Store:       env.store,
		Sessions:    env.sessions,
		Catalogs:    func(string) (Catalog, error) { return env.catalog, nil },
		Engine:      engine,
		Credentials: env.saver,
		Launch:      env.launch,
		Platforms:   host.MapPlatforms{"19": "Super Nintendo Entertainment System"},
		Clock:       TestClock{FixedTime: testNow},
	}, opts)
	if err != nil {
		t.Fatalf("NewInstallService() error = %v", err)
	}
	return env
}

func sha256Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// dirNames lists dir, or nothing when it does not exist.
func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var romContent = []byte("SNES ROM IMAGE: chrono trigger, 1995")

func (env *testEnv) addROM() {
	env.catalog.add("42", "Chrono Trigger", "Chrono Trigger (USA).sfc", romContent, sha256Digest(romContent))
}

func TestNewInstallServiceValidation(t *testing.T) {
	engine := fetch.NewEngine(fetch.EngineConfig{})
	fs, _ := state.OpenFileStore(t.TempDir(), nil)
	tests := []struct {
		name string
		deps Deps
		opts Options
	}{
		{"no_store", Deps{Engine: engine}, Options{LibraryRoot: "/lib"}},
		{"no_engine", Deps{Store: fs}, Options{LibraryRoot: "/lib"}},
		{"no_library", Deps{Store: fs, Engine: engine}, Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewInstallService(tt.deps, tt.opts); !isKind(err, fault.InvalidArgument) {
				t.Errorf("NewInstallService() error = %v, want InvalidArgument", err)
			}
		})
	}
}

func isKind(err error, k fault.Kind) bool {
	return err != nil && fault.KindOf(err) == k
}

func TestGetState(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	got, err := env.svc.GetState(ctx, "game-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if got != state.NotInstalled("game-1") {
		t.Errorf("GetState() = %+v, want not-installed default", got)
	}
	if env.catalog.calls() != 0 || env.sessions.sessionCalls != 0 {
		t.Error("GetState must not touch the network")
	}

	if _, err := env.svc.GetState(ctx, ""); !isKind(err, fault.InvalidArgument) {
		t.Errorf("GetState(\"\") error = %v, want InvalidArgument", err)
	}
}

type corruptStore struct{ state.Store }

func (corruptStore) Get(context.Context, string) (state.InstallState, bool, error) {
	return state.InstallState{}, false, fault.Newf(fault.StorageCorruption, "state.Get", "garbage")
}

func TestGetStateCorruptRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.store = corruptStore{env.store}

	got, err := env.svc.GetState(context.Background(), "game-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if got.IsInstalled || got.LocalItemID != "game-1" {
		t.Errorf("GetState() = %+v, want not installed", got)
	}
}

func TestInstallPlainFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()

	progress := fetch.NewProgress(time.Millisecond)
	var last fetch.DownloadProgress
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress.Updates() {
			last = p
		}
	}()

	res, err := env.svc.Install(context.Background(), InstallRequest{
		LocalItemID:  "game-1",
		RemoteItemID: "42",
		Progress:     progress,
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	<-done

	rec := res.State
	wantRoot := filepath.Join(env.library, "Super Nintendo Entertainment System", "Chrono Trigger")
	wantFile := filepath.Join(wantRoot, "Chrono Trigger (USA).sfc")
	if !rec.IsInstalled || rec.InstalledPath != wantFile || rec.InstallRootPath != wantRoot {
		t.Errorf("record paths = %q, %q (installed %v)", rec.InstalledPath, rec.InstallRootPath, rec.IsInstalled)
	}
	if rec.LocalHash == "" || rec.LocalHash != rec.RemoteHash {
		t.Errorf("LocalHash = %q, RemoteHash = %q, want equal", rec.LocalHash, rec.RemoteHash)
	}
	if rec.InstallType != state.InstallTypeContentOnly {
		t.Errorf("InstallType = %v, want ContentOnly", rec.InstallType)
	}
	if rec.InstalledAt == nil || !rec.InstalledAt.Equal(testNow) || rec.LastValidatedAt != nil {
		t.Errorf("timestamps: installed %v validated %v", rec.InstalledAt, rec.LastValidatedAt)
	}
	if rec.ServerURL != testServer || rec.RemoteItemID != "42" || rec.RemotePlatformID != "19" {
		t.Errorf("identity = %q %q %q", rec.ServerURL, rec.RemoteItemID, rec.RemotePlatformID)
	}

	data, err := os.ReadFile(wantFile)
	if err != nil || !bytes.Equal(data, romContent) {
		t.Errorf("installed file = %q, %v", data, err)
	}
	if last.BytesReceived != int64(len(romContent)) {
		t.Errorf("final progress = %+v, want %d bytes", last, len(romContent))
	}

	stored, err := env.svc.GetState(context.Background(), "game-1")
	if err != nil || stored.LocalHash != rec.LocalHash || !stored.IsInstalled {
		t.Errorf("stored record = %+v, %v", stored, err)
	}
	if left := dirNames(t, env.scratch); len(left) != 0 {
		t.Errorf("scratch not cleaned: %v", left)
	}
	if left := dirNames(t, env.journal); len(left) != 0 {
		t.Errorf("journal not cleared: %v", left)
	}
}

func TestInstallArchiveWithRetention(t *testing.T) {
	env := newTestEnv(t, withArchives)
	archive := zipArchive(t, map[string]string{
		"Cave Story/Doukutsu.exe": "MZ",
		"Cave Story/data/map.pxm": "PXM",
	})
	env.catalog.add("7", "Cave Story", "Cave Story.zip", archive, sha256Digest(archive))

	res, err := env.svc.Install(context.Background(), InstallRequest{LocalItemID: "cave", RemoteItemID: "7"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	rec := res.State
	if rec.InstalledPath != rec.InstallRootPath {
		t.Errorf("InstalledPath = %q, want the install root %q", rec.InstalledPath, rec.InstallRootPath)
	}
	if rec.InstallType != state.InstallTypePortable {
		t.Errorf("InstallType = %v, want Portable", rec.InstallType)
	}
	if want := filepath.Join(rec.InstallRootPath, "Doukutsu.exe"); rec.LaunchPath != want {
		t.Errorf("LaunchPath = %q, want %q", rec.LaunchPath, want)
	}
	if _, err := os.Stat(filepath.Join(rec.InstallRootPath, "data", "map.pxm")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
	if want := filepath.Join(env.archives, "Super Nintendo Entertainment System", "Cave Story", "Cave Story.zip"); rec.ArchivePath != want {
		t.Fatalf("ArchivePath = %q, want %q", rec.ArchivePath, want)
	}
	if data, err := os.ReadFile(rec.ArchivePath); err != nil || !bytes.Equal(data, archive) {
		t.Errorf("retained archive unreadable or different: %v", err)
	}

	v, err := env.svc.Validate(context.Background(), "cave")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Status != StatusValid || v.Actual != v.Expected {
		t.Errorf("Validate() = %+v, want Valid with matching hashes", v)
	}
}

func withArchives(o *Options) {
	o.ArchiveDir = filepath.Join(filepath.Dir(o.LibraryRoot), "archives")
}

func TestFailedReinstallKeepsRetainedArchive(t *testing.T) {
	env := newTestEnv(t, withArchives)
	ctx := context.Background()
	v1 := zipArchive(t, map[string]string{"Cave Story/Doukutsu.exe": "MZ v1"})
	env.catalog.add("7", "Cave Story", "Cave Story.zip", v1, sha256Digest(v1))
	first, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "cave", RemoteItemID: "7"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	v2 := zipArchive(t, map[string]string{"Cave Story/Doukutsu.exe": "MZ v2"})
	env.catalog.add("7", "Cave Story", "Cave Story.zip", v2, sha256Digest(v2))
	env.store.failPut = true
	if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "cave", RemoteItemID: "7"}); !isKind(err, fault.StorageCorruption) {
		t.Fatalf("reinstall error = %v, want StorageCorruption", err)
	}
	env.store.failPut = false

	if data, err := os.ReadFile(first.State.ArchivePath); err != nil || !bytes.Equal(data, v1) {
		t.Errorf("previous archive after failed reinstall: %d bytes, %v", len(data), err)
	}
	if data, _ := os.ReadFile(filepath.Join(first.State.InstallRootPath, "Doukutsu.exe")); string(data) != "MZ v1" {
		t.Errorf("previous install content = %q", data)
	}
	if names := dirNames(t, filepath.Dir(first.State.ArchivePath)); len(names) != 1 {
		t.Errorf("archive dir = %v, want only the previous archive", names)
	}
	if v, err := env.svc.Validate(ctx, "cave"); err != nil || v.Status != StatusValid {
		t.Errorf("Validate() = %+v, %v", v, err)
	}
}

func TestRetainedArchivesArePerItem(t *testing.T) {
	env := newTestEnv(t, withArchives)
	ctx := context.Background()
	usa := zipArchive(t, map[string]string{"game.exe": "usa"})
	jpn := zipArchive(t, map[string]string{"game.exe": "jpn"})
	env.catalog.add("42", "Chrono Trigger", "game.zip", usa, sha256Digest(usa))
	env.catalog.add("43", "Chrono Trigger", "game.zip", jpn, sha256Digest(jpn))

	a, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-usa", RemoteItemID: "42"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-jpn", RemoteItemID: "43"})
	if err != nil {
		t.Fatal(err)
	}
	if a.State.ArchivePath == b.State.ArchivePath {
		t.Fatalf("both items keep their archive at %s", a.State.ArchivePath)
	}

	if err := env.svc.Uninstall(ctx, "game-usa"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(a.State.ArchivePath)); !os.IsNotExist(err) {
		t.Errorf("archive dir of the uninstalled item left behind: %v", err)
	}
	if data, err := os.ReadFile(b.State.ArchivePath); err != nil || !bytes.Equal(data, jpn) {
		t.Errorf("other item's archive = %d bytes, %v", len(data), err)
	}
	if v, err := env.svc.Validate(ctx, "game-jpn"); err != nil || v.Status != StatusValid {
		t.Errorf("Validate(game-jpn) = %+v, %v", v, err)
	}
}

func TestInstallHashMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", romContent, "sha256:"+strings.Repeat("0", 64))
	ctx := context.Background()

	t.Run("no previous record", func(t *testing.T) {
		_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
		if !isKind(err, fault.IntegrityMismatch) {
			t.Fatalf("Install() error = %v, want IntegrityMismatch", err)
		}
		if _, found, _ := env.store.Get(ctx, "game-1"); found {
			t.Error("record created despite mismatch")
		}
		if left := dirNames(t, env.library); len(left) != 0 {
			t.Errorf("library touched: %v", left)
		}
	})

	t.Run("previous record unchanged", func(t *testing.T) {
		prevRoot := filepath.Join(env.library, "SNES", "Old")
		os.MkdirAll(prevRoot, 0o755)
		os.WriteFile(filepath.Join(prevRoot, "old.sfc"), []byte("old"), 0o644)
		prev := state.InstallState{
			LocalItemID:     "game-2",
			RemoteItemID:    "42",
			LocalHash:       sha256Digest([]byte("old")),
			RemoteHash:      sha256Digest([]byte("old")),
			InstalledPath:   filepath.Join(prevRoot, "old.sfc"),
			InstallRootPath: prevRoot,
			IsInstalled:     true,
		}
		if err := env.store.Put(ctx, prev); err != nil {
			t.Fatal(err)
		}

		_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-2", RemoteItemID: "42"})
		if !isKind(err, fault.IntegrityMismatch) {
			t.Fatalf("Install() error = %v, want IntegrityMismatch", err)
		}
		got, _, _ := env.store.Get(ctx, "game-2")
		if got.LocalHash != prev.LocalHash || got.InstalledPath != prev.InstalledPath || !got.IsInstalled {
			t.Errorf("record changed: %+v", got)
		}
		if _, err := os.Stat(prev.InstalledPath); err != nil {
			t.Errorf("previous files touched: %v", err)
		}
	})
}

func TestInstallWithoutServerHash(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, nil)
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", romContent, "")
	if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"}); !isKind(err, fault.IntegrityMismatch) {
		t.Errorf("Install() error = %v, want IntegrityMismatch", err)
	}

	env = newTestEnv(t, func(o *Options) { o.AllowUnverified = true })
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", romContent, "")
	res, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if res.State.LocalHash != sha256Digest(romContent) || res.State.RemoteHash != "" {
		t.Errorf("hashes = %q / %q", res.State.LocalHash, res.State.RemoteHash)
	}
}

func TestInstallRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		req  InstallRequest
		kind fault.Kind
	}{
		{"no_local_id", InstallRequest{RemoteItemID: "42"}, fault.InvalidArgument},
		{"no_remote_id", InstallRequest{LocalItemID: "game-1"}, fault.InvalidArgument},
		{"bad_server", InstallRequest{LocalItemID: "game-1", RemoteItemID: "42", ServerURL: "ftp://x"}, fault.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Install(context.Background(), tt.req); !isKind(err, tt.kind) {
				t.Errorf("Install() error = %v, want %v", err, tt.kind)
			}
		})
	}
	if env.sessions.sessionCalls != 0 || env.catalog.calls() != 0 {
		t.Error("invalid requests must not reach the network")
	}
}

func TestInstallGameSuppliesLocalID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.platforms = host.MapPlatforms{}
	env.addROM()

	game := host.GameRecord{ID: "lb-123", Name: "Chrono Trigger", Platform: "Super Famicom"}
	res, err := env.svc.Install(context.Background(), InstallRequest{RemoteItemID: "42", Game: game})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if res.State.LocalItemID != "lb-123" {
		t.Errorf("LocalItemID = %q", res.State.LocalItemID)
	}
	if want := filepath.Join(env.library, "Super Famicom", "Chrono Trigger"); res.State.InstallRootPath != want {
		t.Errorf("InstallRootPath = %q, want %q", res.State.InstallRootPath, want)
	}
}

func TestInstallAuthentication(t *testing.T) {
	ctx := context.Background()

	t.Run("no credentials", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.addROM()
		env.sessions.err = fault.Newf(fault.AuthenticationRequired, "auth.Session", "no stored credentials for server")

		_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
		if !isKind(err, fault.AuthenticationRequired) {
			t.Fatalf("Install() error = %v, want AuthenticationRequired", err)
		}
		if env.catalog.calls() != 0 {
			t.Error("catalog called without a session")
		}
	})

	t.Run("supplied credentials are saved", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.addROM()
		creds := &credential.Credentials{Username: "marle", Secret: "pendant"}

		if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42", Credentials: creds}); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if env.sessions.authCalls != 1 {
			t.Errorf("Authenticate calls = %d, want 1", env.sessions.authCalls)
		}
		if len(env.saver.saved) != 1 || env.saver.saved[0].username != "marle" || env.saver.saved[0].secret != "pendant" {
			t.Errorf("saved = %+v", env.saver.saved)
		}
	})

	t.Run("rejected credentials are not saved", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.addROM()
		env.sessions.err = fault.Newf(fault.InvalidCredentials, "auth.Session", "bad password")
		creds := &credential.Credentials{Username: "marle", Secret: "wrong"}

		_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42", Credentials: creds})
		if !isKind(err, fault.InvalidCredentials) {
			t.Fatalf("Install() error = %v, want InvalidCredentials", err)
		}
		if len(env.saver.saved) != 0 {
			t.Error("rejected credentials were saved")
		}
	})
}

func TestInstallMetadataRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures are retried", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.MetadataRetries = 3 })
		env.addROM()
		env.catalog.failures, env.catalog.failKind = 2, fault.Transient

		if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"}); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if got := env.catalog.calls(); got != 3 {
			t.Errorf("GetItemDetails calls = %d, want 3", got)
		}
	})

	t.Run("retries are bounded", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.MetadataRetries = 1 })
		env.addROM()
		env.catalog.failures, env.catalog.failKind = 5, fault.Unreachable

		_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
		if !isKind(err, fault.Unreachable) {
			t.Fatalf("Install() error = %v, want Unreachable", err)
		}
		if got := env.catalog.calls(); got != 2 {
			t.Errorf("GetItemDetails calls = %d, want 2", got)
		}
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "404"})
		if !isKind(err, fault.NotFound) {
			t.Fatalf("Install() error = %v, want NotFound", err)
		}
		if got := env.catalog.calls(); got != 1 {
			t.Errorf("GetItemDetails calls = %d, want 1", got)
		}
		fe := fault.As(err, fault.KindUnknown, "")
		if fe == nil || fe.ItemID != "404" || fe.ServerURL != testServer {
			t.Errorf("error not annotated with server and item: %v", err)
		}
	})
}

func TestInstallCancelled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()

	prev := state.InstallState{LocalItemID: "game-1", RemoteItemID: "41", LocalHash: "crc32:01234567", InstalledPath: "/elsewhere/x", IsInstalled: true}
	if err := env.store.Put(ctx, prev); err != nil {
		t.Fatal(err)
	}
	env.catalog.stall = true

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-env.catalog.started
		cancel()
	}()

	_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if !isKind(err, fault.Cancelled) {
		t.Fatalf("Install() error = %v, want Cancelled", err)
	}
	if left := dirNames(t, env.scratch); len(left) != 0 {
		t.Errorf("scratch not cleaned after cancel: %v", left)
	}
	got, _, _ := env.store.Get(context.Background(), "game-1")
	if got.RemoteItemID != "41" || got.LocalHash != prev.LocalHash || !got.IsInstalled {
		t.Errorf("record changed by cancelled install: %+v", got)
	}
}

func TestInstallReplacesPreviousInstall(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	v1 := []byte("revision one")
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", v1, sha256Digest(v1))
	first, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("first Install() error = %v", err)
	}

	v2 := []byte("revision two, fixed")
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", v2, sha256Digest(v2))
	second, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("second Install() error = %v", err)
	}

	if second.State.InstalledPath != first.State.InstalledPath {
		t.Errorf("install moved from %q to %q", first.State.InstalledPath, second.State.InstalledPath)
	}
	if data, _ := os.ReadFile(second.State.InstalledPath); !bytes.Equal(data, v2) {
		t.Errorf("installed content = %q, want revision two", data)
	}
	for _, name := range dirNames(t, filepath.Dir(second.State.InstallRootPath)) {
		if strings.Contains(name, backupSuffix) {
			t.Errorf("backup left behind: %s", name)
		}
	}
}

func TestInstallSharedDirectoryName(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	usa := []byte("usa release")
	jpn := []byte("japanese release")
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", usa, sha256Digest(usa))
	env.catalog.add("43", "Chrono Trigger", "ct.sfc", jpn, sha256Digest(jpn))

	first, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-usa", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("Install(game-usa) error = %v", err)
	}
	second, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-jpn", RemoteItemID: "43"})
	if err != nil {
		t.Fatalf("Install(game-jpn) error = %v", err)
	}

	if got, want := second.State.InstallRootPath, first.State.InstallRootPath+" [43]"; got != want {
		t.Errorf("second install root = %q, want %q", got, want)
	}
	for id, content := range map[string][]byte{"game-usa": usa, "game-jpn": jpn} {
		v, err := env.svc.Validate(ctx, id)
		if err != nil || v.Status != StatusValid {
			t.Errorf("Validate(%s) = %+v, %v", id, v, err)
		}
		rec, _ := env.svc.GetState(ctx, id)
		if data, _ := os.ReadFile(rec.InstalledPath); !bytes.Equal(data, content) {
			t.Errorf("%s content = %q, want %q", id, data, content)
		}
	}

	again, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-jpn", RemoteItemID: "43"})
	if err != nil {
		t.Fatalf("reinstall error = %v", err)
	}
	if again.State.InstallRootPath != second.State.InstallRootPath {
		t.Errorf("reinstall moved to %q", again.State.InstallRootPath)
	}
}

func TestInstallCommitFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	v1 := []byte("revision one")
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", v1, sha256Digest(v1))
	first, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("first Install() error = %v", err)
	}

	v2 := []byte("revision two")
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", v2, sha256Digest(v2))
	env.store.failPut = true
	if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"}); !isKind(err, fault.StorageCorruption) {
		t.Fatalf("Install() error = %v, want the store failure", err)
	}
	env.store.failPut = false

	if data, _ := os.ReadFile(first.State.InstalledPath); !bytes.Equal(data, v1) {
		t.Errorf("previous install not restored, content = %q", data)
	}
	got, _, _ := env.store.Get(ctx, "game-1")
	if got.LocalHash != first.State.LocalHash {
		t.Errorf("record changed: %+v", got)
	}
	if left := dirNames(t, env.journal); len(left) != 0 {
		t.Errorf("journal not cleared: %v", left)
	}
	for _, name := range dirNames(t, filepath.Dir(first.State.InstallRootPath)) {
		if strings.Contains(name, backupSuffix) {
			t.Errorf("backup left behind: %s", name)
		}
	}
}

func TestInstallMergedLaunchEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()

	req := InstallRequest{LocalItemID: "game-1", RemoteItemID: "42", MergeInto: "parent-9", LaunchArgs: "-fullscreen"}
	first, err := env.svc.Install(ctx, req)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	rec := first.State
	if rec.SecondaryAppID == "" || rec.MergedBaseItemID != "parent-9" || rec.LastSyncedAt == nil {
		t.Errorf("merge metadata = %q %q %v", rec.SecondaryAppID, rec.MergedBaseItemID, rec.LastSyncedAt)
	}
	if len(env.launch.entries) != 1 {
		t.Fatalf("launch entries = %d, want 1", len(env.launch.entries))
	}
	e := env.launch.entries[0]
	if e.ParentLocalItemID != "parent-9" || e.SecondaryAppID != rec.SecondaryAppID || e.LaunchArgs != "-fullscreen" || e.LaunchPath != rec.LaunchPath {
		t.Errorf("entry = %+v", e)
	}

	second, err := env.svc.Install(ctx, req)
	if err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if second.State.SecondaryAppID != rec.SecondaryAppID {
		t.Errorf("SecondaryAppID changed from %q to %q", rec.SecondaryAppID, second.State.SecondaryAppID)
	}
}

func TestSameItemOperationsSerialize(t *testing.T) {
	ctx := context.Background()

	t.Run("queue", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.addROM()
		release, err := env.svc.locks.acquire(ctx, "test", "game-1", false)
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan error, 1)
		go func() {
			_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
			done <- err
		}()

		select {
		case err := <-done:
			t.Fatalf("Install() finished while the item was locked: %v", err)
		case <-time.After(100 * time.Millisecond):
		}

		// Other items are not blocked.
		if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-2", RemoteItemID: "42"}); err != nil {
			t.Fatalf("Install() of another item error = %v", err)
		}

		release()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("queued Install() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("queued Install() never ran")
		}
	})

	t.Run("reject busy", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.RejectBusy = true })
		env.addROM()
		release, _ := env.svc.locks.acquire(ctx, "test", "game-1", false)
		defer release()

		if _, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"}); !isKind(err, fault.Busy) {
			t.Errorf("Install() error = %v, want Busy", err)
		}
		if err := env.svc.Uninstall(ctx, "game-1"); !isKind(err, fault.Busy) {
			t.Errorf("Uninstall() error = %v, want Busy", err)
		}
	})

	t.Run("waiting honours context", func(t *testing.T) {
		env := newTestEnv(t, nil)
		release, _ := env.svc.locks.acquire(ctx, "test", "game-1", false)
		defer release()

		wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := env.svc.Validate(wctx, "game-1"); !isKind(err, fault.Timeout) {
			t.Errorf("Validate() error = %v, want Timeout", err)
		}
	})
}

func TestConcurrentInstallsOfSameItem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()
	arrived, open := env.catalog.hold()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
			errs <- err
		}()
	}

	waitArrival(t, arrived)
	select {
	case <-arrived:
		t.Fatal("second install of the same item started downloading while the first was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	open()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Install() error = %v", err)
		}
	}

	rec, err := env.svc.GetState(ctx, "game-1")
	if err != nil || !rec.IsInstalled {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if data, err := os.ReadFile(rec.InstalledPath); err != nil || !bytes.Equal(data, romContent) {
		t.Errorf("installed file = %q, %v", data, err)
	}
	if names := dirNames(t, filepath.Dir(rec.InstallRootPath)); len(names) != 1 {
		t.Errorf("platform dir = %v, want a single install", names)
	}
	if v, err := env.svc.Validate(ctx, "game-1"); err != nil || v.Status != StatusValid {
		t.Errorf("Validate() = %+v, %v", v, err)
	}
	if left := dirNames(t, env.journal); len(left) != 0 {
		t.Errorf("journal = %v", left)
	}
	if env.svc.locks.size() != 0 {
		t.Errorf("item locks held after both installs: %d", env.svc.locks.size())
	}
}

func TestConcurrentInstallsShareDirectoryName(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	usa := []byte("usa release")
	jpn := []byte("japanese release")
	env.catalog.add("42", "Chrono Trigger", "ct.sfc", usa, sha256Digest(usa))
	env.catalog.add("43", "Chrono Trigger", "ct.sfc", jpn, sha256Digest(jpn))
	arrived, open := env.catalog.hold()

	reqs := map[string]string{"game-usa": "42", "game-jpn": "43"}
	errs := make(chan error, len(reqs))
	for local, remote := range reqs {
		go func() {
			_, err := env.svc.Install(ctx, InstallRequest{LocalItemID: local, RemoteItemID: remote})
			errs <- err
		}()
	}
	// Both installs have picked a directory before either commits.
	waitArrival(t, arrived)
	waitArrival(t, arrived)
	open()
	for range reqs {
		if err := <-errs; err != nil {
			t.Fatalf("Install() error = %v", err)
		}
	}

	roots := make(map[string]string)
	for local, content := range map[string][]byte{"game-usa": usa, "game-jpn": jpn} {
		rec, err := env.svc.GetState(ctx, local)
		if err != nil || !rec.IsInstalled {
			t.Fatalf("%s record = %+v, %v", local, rec, err)
		}
		if other, ok := roots[rec.InstallRootPath]; ok {
			t.Errorf("%s and %s share %s", local, other, rec.InstallRootPath)
		}
		roots[rec.InstallRootPath] = local
		if data, _ := os.ReadFile(rec.InstalledPath); !bytes.Equal(data, content) {
			t.Errorf("%s content = %q, want %q", local, data, content)
		}
		if v, err := env.svc.Validate(ctx, local); err != nil || v.Status != StatusValid {
			t.Errorf("Validate(%s) = %+v, %v", local, v, err)
		}
	}
	if n := len(env.svc.claims.owner); n != 0 {
		t.Errorf("%d directory claims left after both installs", n)
	}
}

func TestItemLocksAreReleased(t *testing.T) {
	l := newItemLocks()
	release, err := l.acquire(context.Background(), "test", "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if l.size() != 1 {
		t.Errorf("size = %d, want 1", l.size())
	}
	release()
	release()
	if l.size() != 0 {
		t.Errorf("size after release = %d, want 0", l.size())
	}
}

func TestUninstall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()

	res, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if err := env.svc.Uninstall(ctx, "game-1"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, err := os.Stat(res.State.InstallRootPath); !os.IsNotExist(err) {
		t.Errorf("install root still exists: %v", err)
	}
	if _, found, _ := env.store.Get(ctx, "game-1"); found {
		t.Error("record still present")
	}
	if _, err := os.Stat(env.library); err != nil {
		t.Errorf("library root removed: %v", err)
	}

	if err := env.svc.Uninstall(ctx, "game-1"); err != nil {
		t.Errorf("second Uninstall() error = %v, want nil", err)
	}
	if left := dirNames(t, env.journal); len(left) != 0 {
		t.Errorf("journal not cleared: %v", left)
	}
}

func TestUninstallMissingFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec := state.InstallState{
		LocalItemID:     "game-1",
		LocalHash:       "crc32:01234567",
		InstalledPath:   filepath.Join(env.library, "gone", "x.sfc"),
		InstallRootPath: filepath.Join(env.library, "gone"),
		ArchivePath:     filepath.Join(env.archives, "x.zip"),
		IsInstalled:     true,
	}
	env.store.Put(ctx, rec)

	if err := env.svc.Uninstall(ctx, "game-1"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, found, _ := env.store.Get(ctx, "game-1"); found {
		t.Error("record still present")
	}
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()

	if v, err := env.svc.Validate(ctx, "unknown"); err != nil || v.Status != StatusNotInstalled {
		t.Errorf("Validate(unknown) = %+v, %v", v, err)
	}

	res, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	later := testNow.Add(time.Hour)
	env.svc.clock = TestClock{FixedTime: later}
	v, err := env.svc.Validate(ctx, "game-1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Status != StatusValid || v.Expected != res.State.LocalHash || v.Actual != res.State.LocalHash {
		t.Errorf("Validate() = %+v", v)
	}
	rec, _ := env.svc.GetState(ctx, "game-1")
	if rec.LastValidatedAt == nil || !rec.LastValidatedAt.Equal(later) || !rec.InstalledAt.Equal(testNow) {
		t.Errorf("timestamps after validate: installed %v validated %v", rec.InstalledAt, rec.LastValidatedAt)
	}

	t.Run("modified file", func(t *testing.T) {
		os.WriteFile(res.State.InstalledPath, []byte("patched"), 0o644)
		v, err := env.svc.Validate(ctx, "game-1")
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if v.Status != StatusInvalidated || v.Actual == v.Expected || v.Actual == "" {
			t.Errorf("Validate() = %+v, want Invalidated with differing hash", v)
		}
		rec, _ := env.svc.GetState(ctx, "game-1")
		if rec.IsInstalled {
			t.Error("record still installed after mismatch")
		}
		if v, _ := env.svc.Validate(ctx, "game-1"); v.Status != StatusNotInstalled {
			t.Errorf("Validate() after invalidation = %v, want NotInstalled", v.Status)
		}
	})
}

func TestValidateDeletedFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()

	res, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	os.Remove(res.State.InstalledPath)

	v, err := env.svc.Validate(ctx, "game-1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Status != StatusInvalidated {
		t.Errorf("Status = %v, want Invalidated", v.Status)
	}
	rec, _ := env.svc.GetState(ctx, "game-1")
	if rec.IsInstalled {
		t.Error("record still installed")
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	present := filepath.Join(env.library, "present.sfc")
	os.MkdirAll(env.library, 0o755)
	os.WriteFile(present, []byte("x"), 0o644)
	h := sha256Digest([]byte("x"))

	records := []state.InstallState{
		{LocalItemID: "a", RemoteItemID: "1", RemoteHash: h, LocalHash: h, InstalledPath: present, IsInstalled: true},
		{LocalItemID: "b", RemoteItemID: "2", RemoteHash: h, LocalHash: h, InstalledPath: filepath.Join(env.library, "gone.sfc"), IsInstalled: true},
		{LocalItemID: "c", RemoteItemID: "3"},
		{LocalItemID: "d", RemoteItemID: "4", RemoteHash: h, LocalHash: h, InstalledPath: present, IsInstalled: true},
		{LocalItemID: "e", RemoteItemID: "5", RemoteHash: h, LocalHash: h, InstalledPath: present, IsInstalled: true},
	}
	for _, r := range records {
		if err := env.store.Put(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	remote := []RemoteItem{
		{ID: "1", Hash: h},
		{ID: "2", Hash: h},
		{ID: "3", Hash: h},
		{ID: "5", Hash: sha256Digest([]byte("y"))},
		{ID: "99", Hash: h},
	}
	report, err := env.svc.Reconcile(ctx, remote)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	want := map[string]ReconcileStatus{
		"a": ReconcileOK,
		"b": ReconcileOrphaned,
		"c": ReconcileNotInstalled,
		"d": ReconcileRemoteMissing,
		"e": ReconcileUpdateAvailable,
	}
	if len(report.Items) != len(want) {
		t.Fatalf("items = %+v", report.Items)
	}
	for i, it := range report.Items {
		if it.LocalItemID != records[i].LocalItemID {
			t.Errorf("item %d = %s, want local id order", i, it.LocalItemID)
		}
		if it.Status != want[it.LocalItemID] {
			t.Errorf("%s: status = %v, want %v", it.LocalItemID, it.Status, want[it.LocalItemID])
		}
	}
	if len(report.Untracked) != 1 || report.Untracked[0] != "99" {
		t.Errorf("Untracked = %v, want [99]", report.Untracked)
	}
	if rec, _ := env.svc.GetState(ctx, "b"); rec.IsInstalled {
		t.Error("orphaned record still installed")
	}

	t.Run("empty snapshot skips remote checks", func(t *testing.T) {
		report, err := env.svc.Reconcile(ctx, nil)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if report.Count(ReconcileRemoteMissing) != 0 || report.Count(ReconcileUpdateAvailable) != 0 {
			t.Errorf("remote statuses reported without a snapshot: %+v", report.Items)
		}
		if report.Count(ReconcileOK) != 3 {
			t.Errorf("OK count = %d, want 3", report.Count(ReconcileOK))
		}
	})
}

func TestReconcileReportsFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()
	res, err := env.svc.Install(ctx, InstallRequest{LocalItemID: "game-1", RemoteItemID: "42"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(res.State.InstallRootPath); err != nil {
		t.Fatal(err)
	}

	env.store.failPut = true
	report, err := env.svc.Reconcile(ctx, nil)
	env.store.failPut = false
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(report.Items) != 1 {
		t.Fatalf("Items = %+v, want one", report.Items)
	}
	it := report.Items[0]
	if it.Status != ReconcileFailed || !strings.Contains(it.Detail, "disk full") {
		t.Errorf("item = %+v, want Failed with the store error", it)
	}
	if report.Count(ReconcileOK) != 0 || report.Count(ReconcileFailed) != 1 {
		t.Errorf("counts: ok %d failed %d", report.Count(ReconcileOK), report.Count(ReconcileFailed))
	}

	// The record is untouched, so a later run can still mark it orphaned.
	report, err = env.svc.Reconcile(ctx, nil)
	if err != nil || report.Count(ReconcileOrphaned) != 1 {
		t.Errorf("second Reconcile() = %+v, %v", report, err)
	}
}

func TestFetchRemote(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addROM()
	ctx := context.Background()
	env.store.Put(ctx, state.InstallState{LocalItemID: "a", RemoteItemID: "42", ServerURL: testServer})
	env.store.Put(ctx, state.InstallState{LocalItemID: "b", RemoteItemID: "404", ServerURL: testServer})
	env.store.Put(ctx, state.InstallState{LocalItemID: "c", RemoteItemID: "42"})

	remote, err := env.svc.FetchRemote(ctx)
	if err != nil {
		t.Fatalf("FetchRemote() error = %v", err)
	}
	if len(remote) != 1 || remote[0].ID != "42" || remote[0].Hash != sha256Digest(romContent) {
		t.Errorf("FetchRemote() = %+v", remote)
	}
}

func TestHashChanged(t *testing.T) {
	sha1a, sha1b := "sha1:"+strings.Repeat("a", 40), "sha1:"+strings.Repeat("b", 40)
	tests := []struct {
		recorded, current string
		want              bool
	}{
		{sha1a, sha1a, false},
		{sha1a, strings.ToUpper(strings.Repeat("a", 40)), false},
		{sha1a, sha1b, true},
		{sha1a, "crc32:01234567", false},
		{"", sha1a, false},
		{sha1a, "", false},
	}
	for _, tt := range tests {
		if got := hashChanged(tt.recorded, tt.current); got != tt.want {
			t.Errorf("hashChanged(%q, %q) = %v, want %v", tt.recorded, tt.current, got, tt.want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Chrono Trigger", "Chrono Trigger"},
		{"Zelda: A Link to the Past", "Zelda_ A Link to the Past"},
		{"AC/DC\\Live?", "AC_DC_Live_"},
		{"  ..hidden.. ", "hidden"},
		{"..", ""},
		{"tab\there", "tabhere"},
		{strings.Repeat("é", 150), strings.Repeat("é", 100)},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
