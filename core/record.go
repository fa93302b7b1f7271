package core

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

const (
	// FrameHeaderLen is the size of the length delimiter that precedes
	// every record frame on disk.
	FrameHeaderLen = 8

	// RecordHeaderLen is the size of the fixed record header: record ID
	// (8 bytes), codec metadata (4 bytes), and checksum (4 bytes).
	RecordHeaderLen = 16
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a single decoded record frame.
//
// On-disk layout, all fields big-endian:
//
//	length (8 bytes) | id (8 bytes) | metadata (4 bytes) | checksum (4 bytes) | payload
//
// The length delimiter covers everything after itself. The checksum is a
// CRC32-C over the id, metadata, and payload fields, computed over their
// encoded big-endian representation.
type Record struct {
	ID       uint64
	Metadata uint32
	Checksum uint32
	Payload  []byte
}

// RecordChecksum computes the CRC32-C checksum for a record with the given
// id, metadata, and payload.
func RecordChecksum(id uint64, metadata uint32, payload []byte) uint32 {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], metadata)
	sum := crc32.Update(0, castagnoli, hdr[:])
	return crc32.Update(sum, castagnoli, payload)
}

// EncodedRecordLen returns the total number of bytes a record with the given
// payload length occupies on disk, including the length delimiter.
func EncodedRecordLen(payloadLen int) int {
	return FrameHeaderLen + RecordHeaderLen + payloadLen
}

// EncodeRecord appends a complete record frame, including the length
// delimiter, to dst. It returns the number of bytes appended.
//
// Zero-length payloads are rejected: a record that carries no payload can
// never decode to anything and would be indistinguishable from corruption
// on the read side.
func EncodeRecord(dst *bytes.Buffer, id uint64, metadata uint32, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, &DeserializationError{Reason: "record payload cannot be empty"}
	}

	frameLen := RecordHeaderLen + len(payload)
	var scratch [FrameHeaderLen + RecordHeaderLen]byte
	binary.BigEndian.PutUint64(scratch[0:8], uint64(frameLen))
	binary.BigEndian.PutUint64(scratch[8:16], id)
	binary.BigEndian.PutUint32(scratch[16:20], metadata)
	binary.BigEndian.PutUint32(scratch[20:24], RecordChecksum(id, metadata, payload))

	if _, err := dst.Write(scratch[:]); err != nil {
		return 0, err
	}
	if _, err := dst.Write(payload); err != nil {
		return 0, err
	}
	return FrameHeaderLen + frameLen, nil
}

// DecodeRecord parses and validates a record frame from buf, which must hold
// the frame contents after the length delimiter. The returned record's
// Payload aliases buf.
//
// A short or malformed buffer yields a DeserializationError, and a checksum
// mismatch yields a ChecksumError. Both are recoverable corruption errors as
// far as readers are concerned.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < RecordHeaderLen {
		return Record{}, &DeserializationError{
			Reason: "record frame shorter than record header",
		}
	}

	rec := Record{
		ID:       binary.BigEndian.Uint64(buf[0:8]),
		Metadata: binary.BigEndian.Uint32(buf[8:12]),
		Checksum: binary.BigEndian.Uint32(buf[12:16]),
		Payload:  buf[16:],
	}
	if len(rec.Payload) == 0 {
		return Record{}, &DeserializationError{Reason: "record payload cannot be empty"}
	}

	calculated := RecordChecksum(rec.ID, rec.Metadata, rec.Payload)
	if calculated != rec.Checksum {
		return Record{}, &ChecksumError{Calculated: calculated, Actual: rec.Checksum}
	}
	return rec, nil
}
