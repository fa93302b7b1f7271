package ledger

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// ledgerMagic identifies a ledger state file.
	ledgerMagic uint32 = 0x4E584246 // "NXBF"

	// ledgerVersion is the current on-disk version of the ledger state.
	ledgerVersion uint8 = 1

	// stateFileLen is the fixed size of the serialized ledger state:
	// magic (4), version (1), reserved (3), writer next record ID (8),
	// writer file ID (2), reader file ID (2), reader last record ID (8),
	// and a CRC32-C over everything before it (4).
	stateFileLen = 32
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ledgerState is the durable portion of the ledger.
//
// The serialized layout is fixed. Fields must never be added, removed,
// reordered, or resized without bumping ledgerVersion.
type ledgerState struct {
	// writerNextRecordID is the ID the writer will assign to the next
	// record.
	writerNextRecordID uint64
	// writerCurrentFileID is the data file the writer is writing to.
	writerCurrentFileID uint16
	// readerCurrentFileID is the data file the reader has fully processed
	// up to, not the one it is actively reading.
	readerCurrentFileID uint16
	// readerLastRecordID is the last record ID fully processed and
	// acknowledged by the reader.
	readerLastRecordID uint64
}

// defaultLedgerState returns the state for a brand new buffer. The first
// record written is always ID 1 so that a reader last record ID of 0 means
// "waiting to read record 1 next".
func defaultLedgerState() ledgerState {
	return ledgerState{writerNextRecordID: 1}
}

func (s ledgerState) marshal() []byte {
	buf := make([]byte, stateFileLen)
	binary.BigEndian.PutUint32(buf[0:4], ledgerMagic)
	buf[4] = ledgerVersion
	binary.BigEndian.PutUint64(buf[8:16], s.writerNextRecordID)
	binary.BigEndian.PutUint16(buf[16:18], s.writerCurrentFileID)
	binary.BigEndian.PutUint16(buf[18:20], s.readerCurrentFileID)
	binary.BigEndian.PutUint64(buf[20:28], s.readerLastRecordID)
	binary.BigEndian.PutUint32(buf[28:32], crc32.Checksum(buf[:28], castagnoli))
	return buf
}

func unmarshalLedgerState(buf []byte) (ledgerState, error) {
	if len(buf) != stateFileLen {
		return ledgerState{}, fmt.Errorf("ledger state is %d bytes, expected %d", len(buf), stateFileLen)
	}

	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != ledgerMagic {
		return ledgerState{}, fmt.Errorf("invalid magic number in ledger state: got %#08x, want %#08x", magic, ledgerMagic)
	}
	if version := buf[4]; version != ledgerVersion {
		return ledgerState{}, fmt.Errorf("unsupported ledger state version %d", version)
	}

	stored := binary.BigEndian.Uint32(buf[28:32])
	calculated := crc32.Checksum(buf[:28], castagnoli)
	if stored != calculated {
		return ledgerState{}, fmt.Errorf("ledger state checksum mismatch: %#08x vs %#08x", calculated, stored)
	}

	return ledgerState{
		writerNextRecordID:  binary.BigEndian.Uint64(buf[8:16]),
		writerCurrentFileID: binary.BigEndian.Uint16(buf[16:18]),
		readerCurrentFileID: binary.BigEndian.Uint16(buf[18:20]),
		readerLastRecordID:  binary.BigEndian.Uint64(buf[20:28]),
	}, nil
}
