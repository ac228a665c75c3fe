package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// Format identifies an archive container.
type Format int

const (
	FormatNone Format = iota // not an archive
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarZst
	FormatGzip // single gzip-compressed file
	FormatZstd // single zstd-compressed file
	Format7z
	FormatRAR
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarZst:
		return "tar.zst"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case Format7z:
		return "7z"
	case FormatRAR:
		return "rar"
	default:
		return "unknown"
	}
}

// Supported reports whether Extract can unpack the format.
func (f Format) Supported() bool {
	switch f {
	case FormatZip, FormatTar, FormatTarGz, FormatTarZst, FormatGzip, FormatZstd:
		return true
	default:
		return false
	}
}

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicZipSpan  = []byte("PK\x07\x08")
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magic7z       = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicRAR      = []byte("Rar!\x1a\x07")
)

const tarMagicOffset = 257

// archiveExtensions name files that must be archives; one that fails
// detection is corrupt rather than a plain payload.
var archiveExtensions = []string{".zip", ".tar", ".tgz", ".tar.gz", ".gz", ".zst", ".tzst", ".tar.zst", ".7z", ".rar"}

// macOSMetadataDir is skipped when flattening.
const macOSMetadataDir = "__MACOSX"

func isTarHeader(b []byte) bool {
	return len(b) >= tarMagicOffset+5 && string(b[tarMagicOffset:tarMagicOffset+5]) == "ustar"
}

// DetectFormat sniffs the container format from magic bytes. A file with an
// archive extension that matches no known signature is reported as corrupt.
func DetectFormat(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return FormatNone, fault.New(fault.ExtractionFailed, "fetch.DetectFormat", err)
	}
	defer file.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatNone, fault.New(fault.ExtractionFailed, "fetch.DetectFormat", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty), bytes.HasPrefix(head, magicZipSpan):
		return FormatZip, nil
	case bytes.HasPrefix(head, magic7z):
		return Format7z, nil
	case bytes.HasPrefix(head, magicRAR):
		return FormatRAR, nil
	case bytes.HasPrefix(head, magicGzip):
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return FormatNone, fault.New(fault.ExtractionFailed, "fetch.DetectFormat", err)
		}
		zr, err := gzip.NewReader(file)
		if err != nil {
			return FormatNone, fault.New(fault.ExtractionFailed, "fetch.DetectFormat", fmt.Errorf("corrupt gzip stream: %w", err))
		}
		defer zr.Close()
		if isTarHeader(peek(zr)) {
			return FormatTarGz, nil
		}
		return FormatGzip, nil
	case bytes.HasPrefix(head, magicZstd):
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return FormatNone, fault.New(fault.ExtractionFailed, "fetch.DetectFormat", err)
		}
		zr, err := zstd.NewReader(file)
		if err != nil {
			return FormatNone, fault.New(fault.ExtractionFailed, "fetch.DetectFormat", fmt.Errorf("corrupt zstd stream: %w", err))
		}
		defer zr.Close()
		if isTarHeader(peek(zr)) {
			return FormatTarZst, nil
		}
		return FormatZstd, nil
	case isTarHeader(head):
		return FormatTar, nil
	}

	if hasArchiveExtension(path) {
		return FormatNone, fault.Newf(fault.ExtractionFailed, "fetch.DetectFormat",
			fmt.Sprintf("%s has an archive extension but no recognizable archive signature", filepath.Base(path)))
	}
	return FormatNone, nil
}

func peek(r io.Reader) []byte {
	buf := make([]byte, 512)
	n, _ := io.ReadFull(r, buf)
	return buf[:n]
}

func hasArchiveExtension(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Extractor unpacks archives into a target directory.
type Extractor struct {
	// MaxBytes caps the total uncompressed size; zero means unlimited.
	MaxBytes int64
}

// NewExtractor creates an extractor with the given uncompressed size cap.
func NewExtractor(maxBytes int64) *Extractor {
	return &Extractor{MaxBytes: maxBytes}
}

// Extract unpacks archivePath into targetDir and returns the extracted root.
// A single top-level folder is flattened one level. A non-archive payload
// returns ("", nil) and leaves targetDir untouched.
func (e *Extractor) Extract(ctx context.Context, archivePath, targetDir string) (string, error) {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return "", err
	}
	if format == FormatNone {
		return "", nil
	}
	if !format.Supported() {
		return "", fault.Newf(fault.ExtractionFailed, "fetch.Extract", fmt.Sprintf("unsupported archive format %s", format))
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create dest dir: %w", err)
	}
	root, err := os.OpenRoot(targetDir)
	if err != nil {
		return "", fault.New(fault.ExtractionFailed, "fetch.Extract", err)
	}
	defer root.Close()

	x := &extraction{ctx: ctx, dest: filepath.Clean(targetDir), root: root, budget: e.MaxBytes}
	switch format {
	case FormatZip:
		err = x.zip(archivePath)
	case FormatTar:
		err = x.tarFile(archivePath, nil)
	case FormatTarGz:
		err = x.tarFile(archivePath, func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) })
	case FormatTarZst:
		err = x.tarFile(archivePath, openZstd)
	case FormatGzip:
		err = x.single(archivePath, func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) })
	case FormatZstd:
		err = x.single(archivePath, openZstd)
	}
	if err == nil {
		err = x.verifyLinks()
	}
	if err != nil {
		if fe := fault.FromContext(ctx, "fetch.Extract", err); fe != nil {
			return "", fe
		}
		return "", fault.As(err, fault.ExtractionFailed, "fetch.Extract")
	}

	if err := flatten(x.dest); err != nil {
		return "", fault.New(fault.ExtractionFailed, "fetch.Extract", fmt.Errorf("flatten: %w", err))
	}
	return x.dest, nil
}

func openZstd(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

// extraction holds the state of one Extract call. Every write goes through
// root, so no entry can land outside dest even via links planted by earlier
// entries.
type extraction struct {
	ctx     context.Context
	dest    string
	root    *os.Root
	budget  int64 // cap on bytes written, zero for none
	written int64
	links   []string
}

// target resolves an entry name to a path relative to dest, rejecting
// absolute names and traversal.
func (x *extraction) target(name string) (string, error) {
	name = filepath.FromSlash(strings.TrimPrefix(name, "./"))
	if filepath.IsAbs(name) || strings.HasPrefix(name, string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", name)
	}
	rel := filepath.Clean(name)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", name)
	}
	return rel, nil
}

// checkLink rejects symlinks whose target is absolute or lexically leaves
// dest. Links that escape through other links are caught by verifyLinks.
func (x *extraction) checkLink(rel, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("illegal symlink %s -> %s", rel, linkname)
	}
	resolved := filepath.Join(filepath.Dir(rel), linkname)
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("illegal symlink %s -> %s", rel, linkname)
	}
	return nil
}

// verifyLinks resolves every extracted symlink inside root. A link that
// dangles is fine; one that resolves outside dest fails the extraction.
func (x *extraction) verifyLinks() error {
	for _, rel := range x.links {
		if _, err := x.root.Stat(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("illegal symlink %s: %w", rel, err)
		}
	}
	return nil
}

func (x *extraction) mkdirAll(rel string) error {
	if rel == "." {
		return nil
	}
	if err := x.root.MkdirAll(rel, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", rel, err)
	}
	return nil
}

func (x *extraction) writeFile(rel string, r io.Reader, mode os.FileMode) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	if err := x.mkdirAll(filepath.Dir(rel)); err != nil {
		return err
	}
	out, err := x.root.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return fmt.Errorf("create file %s: %w", rel, err)
	}

	src := io.Reader(&ctxReader{ctx: x.ctx, r: r})
	if x.budget > 0 {
		src = io.LimitReader(src, x.budget-x.written+1)
	}
	n, err := io.Copy(out, src)
	x.written += n
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write file %s: %w", rel, err)
	}
	if x.budget > 0 && x.written > x.budget {
		return fmt.Errorf("archive expands beyond %d bytes", x.budget)
	}
	return nil
}

func (x *extraction) symlink(rel, linkname string) error {
	if rel == "." {
		return fmt.Errorf("illegal symlink %s -> %s", rel, linkname)
	}
	if err := x.checkLink(rel, linkname); err != nil {
		return err
	}
	if err := x.mkdirAll(filepath.Dir(rel)); err != nil {
		return err
	}
	if err := x.root.Symlink(linkname, rel); err != nil {
		return fmt.Errorf("create symlink %s: %w", rel, err)
	}
	x.links = append(x.links, rel)
	return nil
}

func (x *extraction) zip(archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := x.ctx.Err(); err != nil {
			return err
		}
		target, err := x.target(f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := x.mkdirAll(target); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			link, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Name, err)
			}
			if err := x.symlink(target, string(link)); err != nil {
				return err
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			err = x.writeFile(target, rc, mode)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *extraction) tarFile(archivePath string, decompress func(io.Reader) (io.ReadCloser, error)) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if decompress != nil {
		dr, err := decompress(file)
		if err != nil {
			return fmt.Errorf("create decompressor: %w", err)
		}
		defer dr.Close()
		r = dr
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		if err := x.ctx.Err(); err != nil {
			return err
		}

		target, err := x.target(header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := x.mkdirAll(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := x.symlink(target, header.Linkname); err != nil {
				return err
			}
		default:
			// Hard links, devices and fifos are not needed for game content.
			continue
		}
	}
}

// single decompresses a one-file stream, naming the output after the
// archive minus its compression suffix.
func (x *extraction) single(archivePath string, decompress func(io.Reader) (io.ReadCloser, error)) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	dr, err := decompress(file)
	if err != nil {
		return fmt.Errorf("create decompressor: %w", err)
	}
	defer dr.Close()

	name := filepath.Base(archivePath)
	if ext := filepath.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	if zr, ok := dr.(*gzip.Reader); ok && zr.Name != "" {
		name = filepath.Base(zr.Name)
	}
	target, err := x.target(name)
	if err != nil {
		return err
	}
	return x.writeFile(target, dr, 0o644)
}

// flatten lifts the contents of a lone top-level directory into dir.
func flatten(dir string) error {
	os.RemoveAll(filepath.Join(dir, macOSMetadataDir))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	holding := filepath.Join(dir, ".rombox-flatten")
	if err := os.Rename(filepath.Join(dir, entries[0].Name()), holding); err != nil {
		return err
	}
	children, err := os.ReadDir(holding)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(holding, c.Name()), filepath.Join(dir, c.Name())); err != nil {
			return err
		}
	}
	return os.Remove(holding)
}
