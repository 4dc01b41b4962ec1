//go:build unix

package deduper

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

const (
	// tmpSuffix names the temporary link created beside a target.
	tmpSuffix = ".dupelink.tmp"

	// orphanedTmpMaxAge is the minimum age for a temp link to be considered orphaned.
	// Files younger than this are assumed to be from an active operation.
	orphanedTmpMaxAge = 1 * time.Minute
)

// Error kinds wrapped by CreateHardlink.
var (
	ErrLink   = errors.New("link failed")
	ErrRename = errors.New("rename failed")

	errTmpKept = errors.New("temp link kept")
)

// CreateHardlink replaces target with a hard link to source.
//
// The link is first created as target+tmpSuffix and then renamed over target,
// so target is never missing. If the temp link cannot be created nothing is
// changed. If the rename fails the temp link is removed and target is left as
// it was. An orphaned temp file from an earlier crash is cleaned up and the
// link retried when it is safe to do so.
func CreateHardlink(source, target string) error {
	tmp := target + tmpSuffix

	err := os.Link(source, tmp)
	if errors.Is(err, syscall.EEXIST) {
		if cleanupErr := removeOrphanedTmp(tmp, orphanedTmpMaxAge); cleanupErr != nil {
			return fmt.Errorf("%w: %s exists: %w", ErrLink, tmp, cleanupErr)
		}
		err = os.Link(source, tmp)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLink, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrRename, err)
	}
	return nil
}

// removeOrphanedTmp removes a temp link left behind by an interrupted run.
// The link is kept when it is younger than maxAge (a run may still own it),
// when it is not a regular file, or when it may be the only name of its data.
func removeOrphanedTmp(path string, maxAge time.Duration) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	st, _ := info.Sys().(*syscall.Stat_t)
	switch age := time.Since(info.ModTime()); {
	case age < maxAge:
		return fmt.Errorf("%w: modified %v ago", errTmpKept, age.Truncate(time.Second))
	case !info.Mode().IsRegular():
		return fmt.Errorf("%w: mode %v", errTmpKept, info.Mode())
	case st == nil || st.Nlink < 2:
		return fmt.Errorf("%w: may be the only name of its data", errTmpKept)
	}
	return os.Remove(path)
}
