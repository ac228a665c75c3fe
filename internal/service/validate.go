package service

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// ValidationStatus is the outcome of Validate.
type ValidationStatus int

const (
	StatusValid ValidationStatus = iota
	StatusInvalidated
	StatusNotInstalled
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusInvalidated:
		return "Invalidated"
	case StatusNotInstalled:
		return "NotInstalled"
	default:
		return "Unknown"
	}
}

// ValidationResult reports the recorded and the recomputed hash. Actual is
// empty when the artifact is missing or only its presence was checked.
type ValidationResult struct {
	Status   ValidationStatus
	Expected string
	Actual   string
	Path     string
	Message  string
}

// Validate re-hashes the verifiable artifact of an installed item: the
// retained archive, or the installed file of a plain payload. An extracted
// install without a retained archive is checked for presence only. A
// mismatch or missing artifact marks the record not installed; a match
// updates LastValidatedAt.
func (s *InstallService) Validate(ctx context.Context, localItemID string) (res *ValidationResult, err error) {
	const op = "service.Validate"
	if localItemID == "" {
		return nil, fault.Newf(fault.InvalidArgument, op, "local item id is required")
	}

	release, err := s.lockItem(ctx, op, localItemID)
	if err != nil {
		return nil, err
	}
	defer release()
	defer func() {
		if res != nil {
			s.metrics.ObserveValidation(res.Status.String())
		}
	}()

	rec, found, err := s.store.Get(ctx, localItemID)
	if err != nil {
		return nil, err
	}
	if !found || !rec.IsInstalled {
		return &ValidationResult{Status: StatusNotInstalled}, nil
	}

	res = &ValidationResult{Expected: rec.LocalHash}
	path := rec.ArchivePath
	if path == "" {
		path = rec.InstalledPath
	}
	res.Path = path

	info, statErr := os.Stat(path)
	switch {
	case statErr != nil:
		res.Status = StatusInvalidated
		res.Message = "installed files are missing"
	case info.IsDir():
		if empty, err := isEmptyDir(path); err != nil || empty {
			res.Status = StatusInvalidated
			res.Message = "installed directory is empty"
		} else {
			res.Status = StatusValid
		}
	default:
		ok, actual, err := s.engine.Hashes().VerifyHash(ctx, path, rec.LocalHash)
		if err != nil {
			if fe := fault.FromContext(ctx, op, err); fe != nil {
				return nil, fe.WithItem("", localItemID)
			}
			if fault.KindOf(err) == fault.InvalidArgument {
				// The recorded hash is unusable; the record cannot be trusted.
				res.Status = StatusInvalidated
				res.Message = "recorded hash is malformed"
				break
			}
			return nil, fault.As(err, fault.KindUnknown, op).WithItem("", localItemID)
		}
		res.Actual = actual
		if ok {
			res.Status = StatusValid
		} else {
			res.Status = StatusInvalidated
			res.Message = "hash mismatch"
		}
	}

	now := s.clock.Now().UTC()
	if res.Status == StatusValid {
		rec.LastValidatedAt = &now
	} else {
		rec.IsInstalled = false
		s.log.Warn("install invalidated", "item", localItemID, "path", path, "reason", res.Message)
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	return res, nil
}

func isEmptyDir(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return false, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return true, nil
}
