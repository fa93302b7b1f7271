//go:build !windows
// +build !windows

package sys

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// AcquireFileLock acquires an advisory exclusive lock on lockPath using
// flock. The lock file is created if it does not exist. On success it
// returns a release function which unlocks, closes, and removes the lock
// file.
//
// The lock is non-blocking: if another process already holds it,
// ErrLockHeld is returned immediately.
func AcquireFileLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}

	release := func() error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		err := f.Close()
		_ = os.Remove(lockPath)
		return err
	}
	return release, nil
}
