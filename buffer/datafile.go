package buffer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/sys"
)

// readLastRecord walks the record frames in the data file at path and returns
// the last complete, checksum-valid record. found is false when the file is
// empty.
//
// Any structural problem surfaces as a bad-read error from the core package:
// a truncated trailing frame, an implausible length delimiter, or a checksum
// mismatch on the final record. Callers decide whether that means skipping
// the file or falling back to reading it front to back.
func readLastRecord(fs sys.Filesystem, path string) (core.Record, bool, error) {
	file, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return core.Record{}, false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return core.Record{}, false, err
	}
	size := info.Size()
	if size == 0 {
		return core.Record{}, false, nil
	}

	var lastStart, lastLen int64
	var offset int64
	for offset < size {
		if size-offset < core.FrameHeaderLen {
			return core.Record{}, false, core.ErrPartialWrite
		}

		var delim [core.FrameHeaderLen]byte
		if _, err := file.ReadAt(delim[:], offset); err != nil {
			return core.Record{}, false, err
		}
		frameLen := binary.BigEndian.Uint64(delim[:])
		if frameLen < core.RecordHeaderLen {
			return core.Record{}, false, &core.DeserializationError{
				Reason: fmt.Sprintf("record frame of %d bytes is shorter than the record header", frameLen),
			}
		}
		if frameLen > uint64(size-offset-core.FrameHeaderLen) {
			return core.Record{}, false, core.ErrPartialWrite
		}

		lastStart = offset + core.FrameHeaderLen
		lastLen = int64(frameLen)
		offset = lastStart + lastLen
	}

	buf := make([]byte, lastLen)
	if _, err := file.ReadAt(buf, lastStart); err != nil && err != io.EOF {
		return core.Record{}, false, err
	}
	rec, err := core.DecodeRecord(buf)
	if err != nil {
		return core.Record{}, false, err
	}
	return rec, true, nil
}
