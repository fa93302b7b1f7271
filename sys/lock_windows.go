//go:build windows
// +build windows

package sys

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// AcquireFileLock acquires an exclusive lock on lockPath using Windows
// LockFileEx. It opens (or creates) the file and locks a single byte; the
// lock is held until release is called or the process exits.
//
// The lock is non-blocking: if another process already holds it,
// ErrLockHeld is returned immediately.
func AcquireFileLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped

	err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}

	release := func() error {
		_ = windows.UnlockFileEx(h, 0, 1, 0, &ov)
		err := f.Close()
		_ = os.Remove(lockPath)
		return err
	}
	return release, nil
}
