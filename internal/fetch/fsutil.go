package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// SpaceChecker reports free bytes on the filesystem holding path.
type SpaceChecker interface {
	Free(ctx context.Context, path string) (uint64, error)
}

// DiskSpace is a SpaceChecker backed by gopsutil.
type DiskSpace struct{}

// Free returns the bytes available to unprivileged users.
func (DiskSpace) Free(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// checkSpace fails with InsufficientSpace when need bytes do not fit under
// dir. Probe errors are ignored; the write itself will fail if space runs out.
func checkSpace(ctx context.Context, sc SpaceChecker, dir string, need int64) error {
	if sc == nil || need <= 0 {
		return nil
	}
	free, err := sc.Free(ctx, dir)
	if err != nil {
		return nil
	}
	if uint64(need) > free {
		return fault.Newf(fault.InsufficientSpace, "fetch.checkSpace",
			fmt.Sprintf("need %d bytes in %s, %d available", need, dir, free))
	}
	return nil
}

// Move renames src to dst, copying across filesystems when rename is not
// possible. dst's parent is created.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", dst, err)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = copyTree(src, dst)
	} else {
		err = copyFile(src, dst, info.Mode().Perm())
	}
	if err != nil {
		os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
