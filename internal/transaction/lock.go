package transaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// StaleLockThreshold is how long a lock may go untouched before another
	// process takes it over.
	StaleLockThreshold = 10 * time.Minute

	// LockFileName is the library lock file inside the lock directory.
	LockFileName = "library.lock"
)

var ErrLockExists = errors.New("library lock exists: another rombox process may be running")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID   int32
	Since time.Time
}

// Lock is the exclusive library lock.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the library lock in dir. An existing lock is taken over
// when it has not been touched for StaleLockThreshold or its holder process
// is gone; otherwise the error wraps ErrLockExists and names the holder.
func AcquireLock(ctx context.Context, dir string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)

	file, err := createExclusive(path)
	if errors.Is(err, os.ErrExist) {
		holder, live := inspect(ctx, path)
		if live {
			return nil, holderError(holder)
		}
		os.Remove(path)
		file, err = createExclusive(path)
		if errors.Is(err, os.ErrExist) {
			// Another process won the takeover.
			return nil, ErrLockExists
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	data := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(data); err == nil {
		err = file.Sync()
	}
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path, file: file}, nil
}

func createExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
}

func holderError(h Holder) error {
	if h.PID == 0 {
		return ErrLockExists
	}
	if h.Since.IsZero() {
		return fmt.Errorf("%w (pid %d)", ErrLockExists, h.PID)
	}
	return fmt.Errorf("%w (pid %d since %s)", ErrLockExists, h.PID, h.Since.Format(time.RFC3339))
}

// inspect reports who holds the lock at path and whether that hold is still
// live. An unreadable lock counts as live until it goes stale.
func inspect(ctx context.Context, path string) (Holder, bool) {
	info, err := os.Stat(path)
	if err != nil {
		// Vanished between open and stat; let the retry decide.
		return Holder{}, false
	}
	if time.Since(info.ModTime()) > StaleLockThreshold {
		return Holder{}, false
	}
	h, err := ReadHolder(path)
	if err != nil || h.PID <= 0 {
		return h, true
	}
	if int(h.PID) == os.Getpid() {
		return h, true
	}
	exists, err := process.PidExistsWithContext(ctx, h.PID)
	if err != nil {
		return h, true
	}
	return h, exists
}

// ReadHolder parses the pid and timestamp recorded in a lock file.
func ReadHolder(path string) (Holder, error) {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}, err
	}
	defer f.Close()

	var h Holder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil {
				h.PID = int32(n)
			}
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				h.Since = ts
			}
		}
	}
	return h, sc.Err()
}

// Touch refreshes the lock's modification time so a long-running process
// is not mistaken for a stale one.
func (l *Lock) Touch() error {
	now := time.Now()
	return os.Chtimes(l.path, now, now)
}

// Release removes the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock file: %w", err)
		}
		l.path = ""
	}
	return nil
}
