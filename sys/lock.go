package sys

import "errors"

// ErrLockHeld is returned by AcquireFileLock when another process already
// holds the lock.
var ErrLockHeld = errors.New("lock file is held by another process")
