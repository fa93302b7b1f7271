package buffer

import (
	"errors"
	"fmt"
)

// RecordTooLargeError is returned by a write when the encoded record,
// including its header, would exceed the configured maximum record size.
type RecordTooLargeError struct {
	RecordSize uint64
	Limit      uint64
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("record of %d bytes exceeds the maximum record size of %d bytes", e.RecordSize, e.Limit)
}

// ValidationError is returned when the state on disk cannot be reconciled
// with the ledger during startup.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to validate buffer state: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to validate buffer state: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var (
	// ErrClosed is returned by operations on a closed writer, reader, or
	// buffer.
	ErrClosed = errors.New("buffer is closed")

	// errDataFileFull signals that the current data file cannot hold the
	// archived record and the writer must roll to the next file.
	errDataFileFull = errors.New("data file full")
)
