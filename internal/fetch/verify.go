package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// Algorithm is a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
	MD5    Algorithm = "md5"
	CRC32  Algorithm = "crc32"
)

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	case CRC32:
		return crc32.NewIEEE(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", a)
	}
}

// hexLen is the digest length in hex characters.
func (a Algorithm) hexLen() int {
	switch a {
	case SHA256:
		return 64
	case SHA1:
		return 40
	case MD5:
		return 32
	case CRC32:
		return 8
	default:
		return 0
	}
}

// Digest is a parsed hash string.
type Digest struct {
	Algorithm Algorithm
	Hex       string // lowercase
	Prefixed  bool   // whether the source string carried "algo:"
}

// String formats the digest the way it was parsed.
func (d Digest) String() string {
	if d.Prefixed {
		return string(d.Algorithm) + ":" + d.Hex
	}
	return d.Hex
}

// ParseDigest parses "algo:hex" or a bare hex string whose length identifies
// the algorithm (64 sha256, 40 sha1, 32 md5, 8 crc32).
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	d := Digest{}
	if algo, value, ok := strings.Cut(s, ":"); ok {
		d.Algorithm = Algorithm(strings.ToLower(algo))
		d.Hex = strings.ToLower(value)
		d.Prefixed = true
		if d.Algorithm.hexLen() == 0 {
			return Digest{}, fmt.Errorf("unsupported hash algorithm %q", algo)
		}
	} else {
		d.Hex = strings.ToLower(s)
		switch len(d.Hex) {
		case 64:
			d.Algorithm = SHA256
		case 40:
			d.Algorithm = SHA1
		case 32:
			d.Algorithm = MD5
		case 8:
			d.Algorithm = CRC32
		default:
			return Digest{}, fmt.Errorf("cannot infer hash algorithm from %d hex characters", len(d.Hex))
		}
	}

	if len(d.Hex) != d.Algorithm.hexLen() {
		return Digest{}, fmt.Errorf("%s digest must be %d hex characters, got %d", d.Algorithm, d.Algorithm.hexLen(), len(d.Hex))
	}
	if _, err := hex.DecodeString(d.Hex); err != nil {
		return Digest{}, fmt.Errorf("digest is not hex: %w", err)
	}
	return d, nil
}

// DefaultHashWorkers bounds concurrent hashing when no size is configured.
const DefaultHashWorkers = 2

// HashPool bounds how many files are hashed at once so bulk validation does
// not saturate CPU and disk.
type HashPool struct {
	sem *semaphore.Weighted
}

// NewHashPool creates a pool allowing workers concurrent hashes.
func NewHashPool(workers int) *HashPool {
	if workers <= 0 {
		workers = DefaultHashWorkers
	}
	return &HashPool{sem: semaphore.NewWeighted(int64(workers))}
}

// Sum hashes the file at path and returns the lowercase hex digest.
func (p *HashPool) Sum(ctx context.Context, path string, algo Algorithm) (string, error) {
	h, err := algo.new()
	if err != nil {
		return "", err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fault.FromContext(ctx, "fetch.Sum", err)
	}
	defer p.sem.Release(1)

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: file}); err != nil {
		if fe := fault.FromContext(ctx, "fetch.Sum", err); fe != nil {
			return "", fe
		}
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyHash hashes path with the algorithm of expected. A mismatch is
// reported through ok, not err; actual is formatted like expected.
func (p *HashPool) VerifyHash(ctx context.Context, path, expected string) (ok bool, actual string, err error) {
	want, err := ParseDigest(expected)
	if err != nil {
		return false, "", fault.New(fault.InvalidArgument, "fetch.VerifyHash", err)
	}
	sum, err := p.Sum(ctx, path, want.Algorithm)
	if err != nil {
		return false, "", err
	}
	got := Digest{Algorithm: want.Algorithm, Hex: sum, Prefixed: want.Prefixed}
	return strings.EqualFold(got.Hex, want.Hex), got.String(), nil
}

// ctxReader fails reads once ctx is done so long hashes stop promptly.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
