package core

import (
	"errors"
	"fmt"
)

// ChecksumError indicates that the stored checksum of a record frame did not
// match the checksum calculated over its contents.
type ChecksumError struct {
	Calculated uint32
	Actual     uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("calculated checksum did not match stored checksum: %#08x vs %#08x", e.Calculated, e.Actual)
}

// DeserializationError indicates that a record frame was structurally
// invalid: too short, zero length, or otherwise not parseable.
type DeserializationError struct {
	Reason string
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize record: %s", e.Reason)
}

// IncompatibleRecordError indicates that a record frame was structurally
// valid but carried metadata the configured codec cannot decode, typically
// because the buffer was written by a different version.
type IncompatibleRecordError struct {
	Metadata uint32
}

func (e *IncompatibleRecordError) Error() string {
	return fmt.Sprintf("record metadata %#08x is not decodable by the configured codec", e.Metadata)
}

// DecodeError wraps a codec failure while decoding a structurally valid,
// checksummed record payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode record payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	// ErrPartialWrite is returned when a data file that can no longer grow
	// ends in an incomplete record frame.
	ErrPartialWrite = errors.New("data file contains a partially written record")

	// ErrEmptyRecord is returned when a record decodes successfully but
	// reports an event count of zero.
	ErrEmptyRecord = errors.New("record reported an event count of zero")
)

// IsBadRead reports whether err represents a corrupted or partially written
// record, the class of errors a reader recovers from by skipping to the next
// data file.
func IsBadRead(err error) bool {
	var checksumErr *ChecksumError
	var deserErr *DeserializationError
	return errors.As(err, &checksumErr) || errors.As(err, &deserErr) || errors.Is(err, ErrPartialWrite)
}
