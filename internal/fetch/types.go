package fetch

import (
	"context"
	"io"

	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

// Stage is a step of the download pipeline.
type Stage int

const (
	StagePending Stage = iota
	StageDownloading
	StageVerifying
	StageExtracting
	StageClassifying
	StageDone
	StageFailed
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StagePending:
		return "Pending"
	case StageDownloading:
		return "Downloading"
	case StageVerifying:
		return "Verifying"
	case StageExtracting:
		return "Extracting"
	case StageClassifying:
		return "Classifying"
	case StageDone:
		return "Done"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DownloadProgress reports bytes received so far.
type DownloadProgress struct {
	BytesReceived int64
	Total         int64 // -1 when the server did not report a length
}

// HasTotal reports whether the total size is known.
func (p DownloadProgress) HasTotal() bool {
	return p.Total >= 0
}

// DownloadResult describes one engine invocation. Paths under TempRoot are
// only valid inside the Commit hook.
type DownloadResult struct {
	Success       bool
	Stage         Stage // last stage reached; StageFailed on error
	FailedStage   Stage // stage that failed, when Success is false
	ArchivePath   string
	ExtractedPath string // empty for non-archive payloads
	ErrorMessage  string
	InstallType   state.InstallType
	LaunchTarget  string // absolute path of the classified launch target, if any
	TempRoot      string
	Hash          string // verified digest, in the form of the expected hash
	Size          int64
	Err           error
}

// Stream is an open response body positioned at Offset.
type Stream struct {
	Body     io.ReadCloser
	Offset   int64 // first byte of Body within the resource; 0 when Range was ignored
	Size     int64 // full resource size, -1 when unknown
	FileName string
}

// Source opens resource streams. Errors are *fault.Error values so the
// downloader can tell transient failures from permanent ones.
type Source interface {
	Open(ctx context.Context, url string, offset int64) (*Stream, error)
}
