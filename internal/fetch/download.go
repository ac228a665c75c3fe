package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

const (
	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 3
	// DefaultIdleTimeout aborts a transfer that received no bytes for this long.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultUserAgent is the User-Agent header sent with plain HTTP requests.
	DefaultUserAgent = "rombox/1.0"

	copyBufferSize = 32 * 1024
	partSuffix     = ".part"
)

var errIdleTimeout = errors.New("no data received within idle timeout")

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	Retries     int           // retries after the first attempt; negative disables retry
	IdleTimeout time.Duration // zero uses DefaultIdleTimeout
	BackOff     backoff.BackOff
	// MaxElapsed stops retrying once this much time has passed since the
	// first attempt. Zero leaves retries bounded by Retries and the context
	// only, so a long transfer that fails late is still resumed.
	MaxElapsed time.Duration
	Space      SpaceChecker // nil skips the free-space check
	Logger     logging.Logger
}

// Downloader streams a resource to disk with resume, retry and idle detection.
type Downloader struct {
	retries     int
	idleTimeout time.Duration
	maxElapsed  time.Duration
	newBackOff  func() backoff.BackOff
	space       SpaceChecker
	log         logging.Logger
}

// NewDownloader creates a downloader.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	d := &Downloader{
		retries:     cfg.Retries,
		idleTimeout: cfg.IdleTimeout,
		maxElapsed:  cfg.MaxElapsed,
		space:       cfg.Space,
		log:         logging.OrNop(cfg.Logger),
	}
	if d.retries == 0 {
		d.retries = DefaultRetries
	}
	if d.retries < 0 {
		d.retries = 0
	}
	if d.idleTimeout <= 0 {
		d.idleTimeout = DefaultIdleTimeout
	}
	if cfg.BackOff != nil {
		d.newBackOff = func() backoff.BackOff { cfg.BackOff.Reset(); return cfg.BackOff }
	} else {
		d.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return d
}

// Download streams url from src into destPath and returns the byte count.
// Bytes land in destPath+".part" first and are renamed on completion.
// Transient failures are retried, resuming from the bytes already on disk
// when the source honours the offset.
func (d *Downloader) Download(ctx context.Context, src Source, url, destPath string, progress *Progress) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	partPath := destPath + partSuffix
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	cleanupNeeded := true
	defer func() {
		file.Close()
		if cleanupNeeded {
			os.Remove(partPath)
		}
	}()

	var written int64
	attempt := 0
	operation := func() (int64, error) {
		attempt++
		err := d.attempt(ctx, src, url, file, &written, progress)
		if err == nil {
			return written, nil
		}
		if fault.KindOf(err) == fault.Transient && ctx.Err() == nil {
			d.log.Warn("download attempt failed", "url", redactURL(url), "attempt", attempt, "bytes", written, "error", err)
			return 0, err
		}
		return 0, backoff.Permanent(err)
	}

	size, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.retries+1)),
		backoff.WithMaxElapsedTime(d.maxElapsed),
	)
	if err != nil {
		if fe := fault.FromContext(ctx, "fetch.Download", err); fe != nil {
			return 0, contextFault(ctx, fe)
		}
		return 0, fault.As(err, fault.Transient, "fetch.Download")
	}

	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	cleanupNeeded = false

	progress.publish(size, size, true)
	return size, nil
}

// attempt performs one request, appending to file from *written.
func (d *Downloader) attempt(ctx context.Context, src Source, url string, file *os.File, written *int64, progress *Progress) error {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := time.AfterFunc(d.idleTimeout, func() { cancel(errIdleTimeout) })
	defer idle.Stop()

	stream, err := src.Open(attemptCtx, url, *written)
	if err != nil {
		return d.classify(ctx, attemptCtx, err)
	}
	defer stream.Body.Close()

	if stream.Offset != *written {
		// Range not honoured; start over.
		if err := file.Truncate(0); err != nil {
			return fmt.Errorf("truncate temp file: %w", err)
		}
		*written = 0
	}
	if _, err := file.Seek(*written, io.SeekStart); err != nil {
		return fmt.Errorf("seek temp file: %w", err)
	}

	total := stream.Size
	if total >= 0 && d.space != nil {
		if err := checkSpace(ctx, d.space, filepath.Dir(file.Name()), total-*written); err != nil {
			return err
		}
	}

	buf := make([]byte, copyBufferSize)
	for {
		idle.Reset(d.idleTimeout)
		n, rerr := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write temp file: %w", werr)
			}
			*written += int64(n)
			progress.publish(*written, total, false)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return d.classify(ctx, attemptCtx, rerr)
		}
	}

	if total >= 0 && *written != total {
		return fault.New(fault.Transient, "fetch.Download", fmt.Errorf("short read: got %d of %d bytes", *written, total))
	}
	return nil
}

// classify maps an attempt error: idle stall → Timeout, caller context →
// Cancelled/Timeout, everything else keeps its fault kind or becomes Transient.
func (d *Downloader) classify(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return contextFault(ctx, fault.FromContext(ctx, "fetch.Download", err))
	}
	if errors.Is(context.Cause(attemptCtx), errIdleTimeout) {
		return fault.New(fault.Timeout, "fetch.Download", fmt.Errorf("%w (%s)", errIdleTimeout, d.idleTimeout))
	}
	return fault.As(err, fault.Transient, "fetch.Download")
}

// contextFault attaches the context cause (e.g. the engine's total timeout)
// to a context-derived fault.
func contextFault(ctx context.Context, fe *fault.Error) *fault.Error {
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		fe.Message = cause.Error()
	}
	return fe
}

// HTTPSource opens plain, unauthenticated HTTP(S) URLs.
type HTTPSource struct {
	Client    *http.Client
	UserAgent string
	Header    http.Header // extra headers, e.g. Authorization
}

// Open issues a GET, requesting a byte range when offset > 0.
func (s *HTTPSource) Open(ctx context.Context, url string, offset int64) (*Stream, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.New(fault.InvalidArgument, "fetch.Open", err)
	}
	ua := s.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transient, "fetch.Open", err)
	}
	stream, err := StreamFromResponse(resp, offset)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return stream, nil
}

// StreamFromResponse validates an HTTP response to a (possibly ranged) GET
// and wraps its body. Non-success statuses are classified with StatusKind.
func StreamFromResponse(resp *http.Response, offset int64) (*Stream, error) {
	stream := &Stream{Body: resp.Body, Size: -1, FileName: fileNameFrom(resp)}

	switch resp.StatusCode {
	case http.StatusOK:
		stream.Offset = 0
		if resp.ContentLength >= 0 {
			stream.Size = resp.ContentLength
		}
	case http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return nil, fault.Newf(fault.Transient, "fetch.Open", fmt.Sprintf("unexpected Content-Range %q", resp.Header.Get("Content-Range")))
		}
		stream.Offset = start
		stream.Size = size
	default:
		return nil, &fault.Error{
			Kind:    StatusKind(resp.StatusCode),
			Op:      "fetch.Open",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}
	return stream, nil
}

// StatusKind classifies a non-success HTTP status.
func StatusKind(code int) fault.Kind {
	switch {
	case code == http.StatusNotFound, code == http.StatusGone:
		return fault.NotFound
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fault.Unauthorized
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code == http.StatusRequestedRangeNotSatisfiable,
		code >= 500:
		return fault.Transient
	default:
		return fault.InvalidArgument
	}
}

// parseContentRange parses "bytes start-end/size"; size is -1 for "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rng, total, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if total == "*" {
		return start, -1, true
	}
	size, err = strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, size, true
}

func fileNameFrom(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return filepath.Base(params["filename"])
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "/" && base != "." {
			return base
		}
	}
	return ""
}

// redactURL drops query strings, which may carry tokens, from log output.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?…"
	}
	return u
}
