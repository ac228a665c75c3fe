package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZebulonRouseFrantzich/rombox/internal/auth"
	"github.com/ZebulonRouseFrantzich/rombox/internal/catalog"
	"github.com/ZebulonRouseFrantzich/rombox/internal/config"
	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/host"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
	"github.com/ZebulonRouseFrantzich/rombox/internal/metrics"
	"github.com/ZebulonRouseFrantzich/rombox/internal/platform"
	"github.com/ZebulonRouseFrantzich/rombox/internal/service"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

// app holds everything a command needs. The install service and its store
// are opened lazily because most commands never touch the library.
type app struct {
	opts       *rootOptions
	cfg        *config.Config
	configPath string
	info       *platform.Info
	userAgent  string

	log      *logging.ZapLogger
	creds    *credential.FileStore
	gateway  *auth.Gateway
	sessions *auth.SessionManager
	registry *prometheus.Registry
	metrics  *metrics.Prom

	store state.Store
	svc   *service.InstallService
}

func loadApp(ctx context.Context, opts *rootOptions) (*app, error) {
	detector := platform.NewDetector()
	info, err := detector.Detect(ctx)
	if err != nil {
		return nil, err
	}

	// Settings warnings are printed before the configured logger exists.
	boot, err := logging.NewZap(logging.Options{Level: "warn", Format: config.DefaultLogFormat, Output: opts.errOut})
	if err != nil {
		return nil, err
	}
	path := opts.settingsPath()
	cfg, err := config.NewParser(platform.Static{Info: info}).WithLogger(boot).Load(ctx, path)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if opts.verbose {
		level = "debug"
	}
	log, err := logging.NewZap(logging.Options{Level: level, Format: cfg.Log.Format, Output: opts.errOut})
	if err != nil {
		return nil, err
	}

	a := &app{
		opts:       opts,
		cfg:        cfg,
		configPath: path,
		info:       info,
		userAgent:  info.UserAgent(Version),
		log:        log,
		registry:   prometheus.NewRegistry(),
	}
	a.metrics = metrics.NewProm("rombox", a.registry)
	a.creds = credential.NewFileStore(cfg.Credentials.Dir, log.Named("credential"))
	a.gateway = auth.NewGateway(auth.GatewayConfig{
		HTTPClient: a.httpClient(),
		UserAgent:  a.userAgent,
		Logger:     log.Named("auth"),
	})
	a.sessions = auth.NewSessionManager(auth.SessionConfig{
		Prober:      a.gateway,
		Credentials: a.creds,
		Timeout:     cfg.Server.Timeout(),
		Logger:      log.Named("session"),
	})
	return a, nil
}

// httpClient bounds the wait for response headers only; bodies stream for
// as long as the download idle timeout allows.
func (a *app) httpClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = a.cfg.Server.Timeout()
	return &http.Client{Transport: tr}
}

// retries maps the settings value, where zero disables retry, onto the
// library convention, where zero means the default.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// service opens the store and starts the install service on first use.
func (a *app) service(ctx context.Context) (*service.InstallService, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg := a.cfg

	store, err := state.Open(cfg.Store.Backend, cfg.Store.Path, a.log.Named("state"))
	if err != nil {
		return nil, err
	}

	engine := fetch.NewEngine(fetch.EngineConfig{
		Downloader: fetch.NewDownloader(fetch.DownloaderConfig{
			Retries:     retries(cfg.Download.Retries),
			IdleTimeout: cfg.Download.IdleTimeout(),
			Space:       fetch.DiskSpace{},
			Logger:      a.log.Named("download"),
		}),
		Extractor:          fetch.NewExtractor(cfg.Download.MaxExtractBytes()),
		Hashes:             fetch.NewHashPool(cfg.Download.HashWorkers),
		TotalTimeout:       cfg.Download.TotalTimeout(),
		KeepFailedArchives: cfg.Library.KeepFailed,
		Logger:             a.log.Named("fetch"),
	})

	client := a.httpClient()
	catalogs := func(serverURL string) (service.Catalog, error) {
		c, err := catalog.New(catalog.Config{
			ServerURL:  serverURL,
			Auth:       a.sessions,
			HTTPClient: client,
			UserAgent:  a.userAgent,
			Logger:     a.log.Named("catalog"),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	svc, err := service.NewInstallService(service.Deps{
		Store:       store,
		Sessions:    a.sessions,
		Catalogs:    catalogs,
		Engine:      engine,
		Credentials: a.creds,
		Launch:      host.LogLaunchWriter{Logger: a.log.Named("launch")},
		Platforms:   cfg.Platforms,
		Clock:       service.RealClock{},
		Metrics:     a.metrics,
		Logger:      a.log.Named("service"),
	}, service.Options{
		ServerURL:        cfg.Server.URL,
		LibraryRoot:      cfg.Library.Root,
		ScratchDir:       cfg.Library.Scratch,
		ArchiveDir:       cfg.Library.RetainDir(),
		KeepScratch:      cfg.Library.KeepScratch,
		AllowUnverified:  cfg.Download.AllowUnverified,
		ReconcileWorkers: cfg.Reconcile.Workers,
		MetadataRetries:  retries(cfg.Download.Retries),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	start := time.Now()
	report, err := svc.Start(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	if report.RolledBack+report.RolledForward+report.Discarded+report.ScratchRemoved > 0 {
		a.log.Info("recovered interrupted operations",
			"rolled_back", report.RolledBack,
			"rolled_forward", report.RolledForward,
			"discarded", report.Discarded,
			"scratch_removed", report.ScratchRemoved,
			"duration", time.Since(start),
		)
	}
	a.store = store
	a.svc = svc
	return svc, nil
}

// close releases the library and flushes metrics and logs.
func (a *app) close() {
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			a.log.Warn("failed to release library lock", "error", err)
		}
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close state store", "error", err)
		}
	}
	if a.opts.metricsFile != "" {
		if err := metrics.WriteTextfile(a.opts.metricsFile, a.registry); err != nil {
			a.log.Warn("failed to write metrics", "path", a.opts.metricsFile, "error", err)
		}
	}
	_ = a.log.Sync()
}

// withApp runs fn with a loaded app and always closes it.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) error {
	a, err := loadApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
