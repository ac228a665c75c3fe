package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

// ScratchPrefix prefixes every per-operation scratch directory.
const ScratchPrefix = "rombox-"

var errTotalTimeout = errors.New("operation exceeded total timeout")

// EngineConfig configures an Engine. Nil components get defaults.
type EngineConfig struct {
	Downloader   *Downloader
	Extractor    *Extractor
	Hashes       *HashPool
	TotalTimeout time.Duration // zero disables
	// KeepFailedArchives keeps the scratch directory after a hash mismatch
	// for diagnostics. Every other exit removes it.
	KeepFailedArchives bool
	Logger             logging.Logger
}

// Engine runs the download, verify, extract and classify pipeline.
type Engine struct {
	downloader   *Downloader
	extractor    *Extractor
	hashes       *HashPool
	totalTimeout time.Duration
	keepFailed   bool
	log          logging.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		downloader:   cfg.Downloader,
		extractor:    cfg.Extractor,
		hashes:       cfg.Hashes,
		totalTimeout: cfg.TotalTimeout,
		keepFailed:   cfg.KeepFailedArchives,
		log:          logging.OrNop(cfg.Logger),
	}
	if e.downloader == nil {
		e.downloader = NewDownloader(DownloaderConfig{Logger: cfg.Logger})
	}
	if e.extractor == nil {
		e.extractor = NewExtractor(0)
	}
	if e.hashes == nil {
		e.hashes = NewHashPool(DefaultHashWorkers)
	}
	return e
}

// Hashes returns the engine's hash pool so callers share its bound.
func (e *Engine) Hashes() *HashPool {
	return e.hashes
}

// Request describes one pipeline run.
type Request struct {
	URL    string
	Source Source
	// ExpectedHash is verified after download. Empty skips verification and
	// Result.Hash becomes the sha256 of the payload.
	ExpectedHash  string
	ScratchParent string
	FileName      string // payload name; "payload" when empty
	Progress      *Progress
	// SkipExtract treats the payload as a plain file.
	SkipExtract bool
	// Commit runs after classification, before the scratch directory is
	// removed. It is the only place artifacts may be moved out of TempRoot,
	// including an archive the caller wants to keep.
	Commit func(ctx context.Context, res *DownloadResult) error
}

func (r Request) validate() error {
	switch {
	case r.URL == "":
		return fault.Newf(fault.InvalidArgument, "fetch.Run", "URL is required")
	case r.Source == nil:
		return fault.Newf(fault.InvalidArgument, "fetch.Run", "Source is required")
	case r.ScratchParent == "":
		return fault.Newf(fault.InvalidArgument, "fetch.Run", "ScratchParent is required")
	}
	return nil
}

// Run executes the pipeline. The returned result is never nil; on failure
// the error is also stored in result.Err. The progress channel is closed
// and TempRoot removed on every exit path, except that a hash mismatch
// keeps TempRoot when KeepFailedArchives is set.
func (e *Engine) Run(ctx context.Context, req Request) (*DownloadResult, error) {
	defer req.Progress.Close()

	res := &DownloadResult{Stage: StagePending}
	if err := req.validate(); err != nil {
		return e.fail(ctx, res, StagePending, err)
	}

	if e.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.totalTimeout, fmt.Errorf("%w (%s)", errTotalTimeout, e.totalTimeout))
		defer cancel()
	}

	res.TempRoot = filepath.Join(req.ScratchParent, ScratchPrefix+uuid.NewString())
	if err := os.MkdirAll(res.TempRoot, 0o755); err != nil {
		return e.fail(ctx, res, StagePending, fmt.Errorf("create scratch dir: %w", err))
	}
	keepScratch := false
	defer func() {
		if keepScratch {
			e.log.Warn("keeping scratch directory for diagnostics", "path", res.TempRoot)
			return
		}
		if err := os.RemoveAll(res.TempRoot); err != nil {
			e.log.Warn("failed to remove scratch directory", "path", res.TempRoot, "error", err)
		}
	}()

	name := filepath.Base(req.FileName)
	if req.FileName == "" || name == "." || name == string(os.PathSeparator) {
		name = "payload"
	}

	// Downloading
	e.enter(res, StageDownloading)
	payload := filepath.Join(res.TempRoot, "download", name)
	size, err := e.downloader.Download(ctx, req.Source, req.URL, payload, req.Progress)
	if err != nil {
		return e.fail(ctx, res, StageDownloading, err)
	}
	res.ArchivePath = payload
	res.Size = size

	// Verifying
	e.enter(res, StageVerifying)
	if req.ExpectedHash != "" {
		ok, actual, err := e.hashes.VerifyHash(ctx, payload, req.ExpectedHash)
		if err != nil {
			return e.fail(ctx, res, StageVerifying, err)
		}
		if !ok {
			keepScratch = e.keepFailed
			return e.fail(ctx, res, StageVerifying, fault.Newf(fault.IntegrityMismatch, "fetch.Run",
				fmt.Sprintf("hash mismatch: expected %s, got %s", req.ExpectedHash, actual)))
		}
		res.Hash = actual
	} else {
		sum, err := e.hashes.Sum(ctx, payload, SHA256)
		if err != nil {
			return e.fail(ctx, res, StageVerifying, err)
		}
		res.Hash = Digest{Algorithm: SHA256, Hex: sum, Prefixed: true}.String()
	}

	// Extracting
	e.enter(res, StageExtracting)
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, res, StageExtracting, err)
	}
	if !req.SkipExtract {
		extracted, err := e.extractor.Extract(ctx, payload, filepath.Join(res.TempRoot, "extracted"))
		if err != nil {
			return e.fail(ctx, res, StageExtracting, err)
		}
		res.ExtractedPath = extracted
	}

	// Classifying
	e.enter(res, StageClassifying)
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, res, StageClassifying, err)
	}
	root := res.ExtractedPath
	if root == "" {
		root = payload
	}
	installType, target, err := ClassifyInstallType(root)
	if err != nil {
		return e.fail(ctx, res, StageClassifying, fault.New(fault.ExtractionFailed, "fetch.Run", err))
	}
	res.InstallType = installType
	res.LaunchTarget = target

	// Commit failures are reported against Classifying, the last stage
	// before Done.
	if req.Commit != nil {
		if err := req.Commit(ctx, res); err != nil {
			return e.fail(ctx, res, StageClassifying, err)
		}
	}

	res.Success = true
	e.enter(res, StageDone)
	return res, nil
}

func (e *Engine) enter(res *DownloadResult, stage Stage) {
	e.log.Debug("pipeline stage", "stage", stage.String(), "from", res.Stage.String(), "scratch", res.TempRoot)
	res.Stage = stage
}

// fail records a failure. Errors raised after ctx is done are classified as
// Cancelled or Timeout regardless of where they surfaced.
func (e *Engine) fail(ctx context.Context, res *DownloadResult, stage Stage, err error) (*DownloadResult, error) {
	var fe *fault.Error
	if ce := fault.FromContext(ctx, "fetch.Run", err); ce != nil && fault.KindOf(err) != fault.IntegrityMismatch {
		if k := fault.KindOf(err); k == fault.Cancelled || k == fault.Timeout {
			fe = fault.As(err, k, "fetch.Run")
		} else {
			fe = contextFault(ctx, ce)
		}
	} else {
		fe = fault.As(err, fault.KindUnknown, "fetch.Run")
	}

	res.Success = false
	res.FailedStage = stage
	res.Stage = StageFailed
	res.Err = fe
	res.ErrorMessage = fe.Error()
	e.log.Debug("pipeline failed", "stage", stage.String(), "kind", fe.Kind.String(), "error", fe)
	return res, fe
}
