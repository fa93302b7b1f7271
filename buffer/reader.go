package buffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/INLOpen/nexusbuffer/acks"
	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/hooks"
	"github.com/INLOpen/nexusbuffer/ledger"
	"github.com/INLOpen/nexusbuffer/sys"
)

// errSeekCaughtUp signals internally that seeking reached the end of the
// writer's current data without finding the target record.
var errSeekCaughtUp = errors.New("seek caught up to writer")

// readToken ties a successfully framed record to the readRecordPayload call
// that consumes it. Reading with a stale token is a bug and panics.
type readToken struct {
	id    uint64
	bytes int
}

// recordReader reads length-delimited record frames from a single data file.
//
// Reads never consume partial frames: the file offset only advances past a
// delimiter once it is fully present, and past a record once the complete
// frame validated. A short read on a file the writer is still appending to
// simply means waiting; the same short read on a finalized file is a partial
// write.
type recordReader struct {
	file       sys.FileHandle
	offset     int64
	pendingLen int
	frame      []byte

	current   core.Record
	tokenLive bool
}

func newRecordReader(file sys.FileHandle) *recordReader {
	return &recordReader{file: file}
}

// tryNextRecord attempts to frame and validate the next record. It returns
// ok=false without error when there is not enough data yet.
func (r *recordReader) tryNextRecord(isFinalized bool) (readToken, bool, error) {
	if r.pendingLen == 0 {
		var delim [core.FrameHeaderLen]byte
		n, err := r.file.ReadAt(delim[:], r.offset)
		if n < core.FrameHeaderLen {
			if err != nil && err != io.EOF {
				return readToken{}, false, err
			}
			if n > 0 && isFinalized {
				return readToken{}, false, core.ErrPartialWrite
			}
			return readToken{}, false, nil
		}

		frameLen := binary.BigEndian.Uint64(delim[:])
		if frameLen < core.RecordHeaderLen {
			return readToken{}, false, &core.DeserializationError{
				Reason: fmt.Sprintf("record frame of %d bytes is shorter than the record header", frameLen),
			}
		}
		if frameLen > math.MaxInt32 {
			return readToken{}, false, &core.DeserializationError{
				Reason: fmt.Sprintf("record frame length %d is implausible", frameLen),
			}
		}
		r.offset += core.FrameHeaderLen
		r.pendingLen = int(frameLen)
	}

	if cap(r.frame) < r.pendingLen {
		r.frame = make([]byte, r.pendingLen)
	}
	buf := r.frame[:r.pendingLen]
	n, err := r.file.ReadAt(buf, r.offset)
	if n < r.pendingLen {
		if err != nil && err != io.EOF {
			return readToken{}, false, err
		}
		if isFinalized {
			return readToken{}, false, core.ErrPartialWrite
		}
		return readToken{}, false, nil
	}

	rec, err := core.DecodeRecord(buf)
	if err != nil {
		return readToken{}, false, err
	}

	frameBytes := core.FrameHeaderLen + r.pendingLen
	r.offset += int64(r.pendingLen)
	r.pendingLen = 0
	r.current = rec
	r.tokenLive = true
	return readToken{id: rec.ID, bytes: frameBytes}, true, nil
}

// readRecordPayload decodes the record behind token with the given codec.
// Decode failures here are not bad reads: the record framed and checksummed
// correctly, the codec just cannot make sense of it, so the reader does not
// roll to the next file.
func readRecordPayload[T core.Bufferable](r *recordReader, token readToken, codec core.Codec[T]) (T, error) {
	var zero T
	if !r.tokenLive || token.id != r.current.ID {
		panic("using expired read token; this is a serious bug")
	}
	r.tokenLive = false

	if !codec.CanDecode(r.current.Metadata) {
		return zero, &core.IncompatibleRecordError{Metadata: r.current.Metadata}
	}
	item, err := codec.Decode(r.current.Metadata, r.current.Payload)
	if err != nil {
		return zero, &core.DecodeError{Err: err}
	}
	return item, nil
}

// fileDeleteMarker carries what the reader needs to account for a data file
// once every record read from it has been acknowledged.
type fileDeleteMarker struct {
	path      string
	bytesRead uint64
}

// Reader reads records from the buffer in write order. It is not safe for
// concurrent use.
type Reader[T core.Bufferable] struct {
	ledger *ledger.Ledger
	opts   *Options
	codec  core.Codec[T]
	logger *slog.Logger
	usage  *usageTracker
	hooks  hooks.Manager
	fin    *finalizer

	rr                        *recordReader
	bytesRead                 uint64
	lastReaderRecordID        uint64
	dataFileStartRecordID     uint64
	haveDataFileStart         bool
	dataFileRecordCount       uint64
	dataFileMarkedRecordCount uint64
	readyToRead               bool

	// recordAcks tracks per-record acknowledgement in record ID order; the
	// marker data is the record's size on disk. dataFileAcks tracks whole
	// files keyed by a running count of records read.
	recordAcks   *acks.OrderedAcknowledgements[uint64]
	dataFileAcks *acks.OrderedAcknowledgements[fileDeleteMarker]
}

func newReader[T core.Bufferable](l *ledger.Ledger, codec core.Codec[T], opts *Options, usage *usageTracker, fin *finalizer) *Reader[T] {
	return &Reader[T]{
		ledger:       l,
		opts:         opts,
		codec:        codec,
		logger:       opts.Logger.With("component", "reader"),
		usage:        usage,
		hooks:        opts.HookManager,
		fin:          fin,
		recordAcks:   acks.New[uint64](l.GetLastReaderRecordID() + 1),
		dataFileAcks: acks.New[fileDeleteMarker](0),
	}
}

func (r *Reader[T]) resetReader() {
	if r.rr != nil {
		_ = r.rr.file.Close()
		r.rr = nil
	}
	r.bytesRead = 0
	r.haveDataFileStart = false
	r.dataFileStartRecordID = 0
}

func (r *Reader[T]) trackRead(recordID, recordBytes, events uint64) {
	// The last reader record ID is the ID of the record's final event:
	// record IDs start at N and the record's events occupy N through
	// N+M-1, which is also how the event count of a record is recovered
	// from IDs alone during startup.
	r.lastReaderRecordID = recordID + events - 1
	if !r.haveDataFileStart {
		r.dataFileStartRecordID = recordID
		r.haveDataFileStart = true
	}

	r.bytesRead += recordBytes
	if !r.readyToRead {
		// Still seeking. The buffer size was reconstructed from whole
		// files at load, so walk it back down for everything reread.
		r.ledger.DecrementTotalBufferSize(recordBytes)
		return
	}

	r.dataFileRecordCount++
	if err := r.recordAcks.AddMarker(recordID, events, recordBytes); err != nil {
		panic("record ID monotonicity violation detected; this is a serious bug")
	}
}

// deleteCompletedDataFile removes a fully processed data file and fixes up
// the total buffer size for any bytes in it that were never read, such as
// the tail of a corrupted file or a file skipped wholesale during startup.
func (r *Reader[T]) deleteCompletedDataFile(ctx context.Context, path string, bytesRead uint64, partial bool) error {
	info, err := r.opts.Filesystem.Stat(path)
	if err != nil {
		return err
	}
	size := uint64(info.Size())

	decrease := size
	if partial && bytesRead <= size {
		decrease = size - bytesRead
	}
	if decrease > 0 {
		r.ledger.DecrementTotalBufferSize(decrease)
	}

	if err := r.opts.Filesystem.Remove(path); err != nil {
		return err
	}
	r.ledger.IncrementAckedReaderFileID()
	if err := r.ledger.Flush(); err != nil {
		return err
	}

	// A writer may be waiting to reuse this file ID.
	r.ledger.NotifyReaderWaiters()

	r.usage.trackFileDeleted()
	r.hooks.Trigger(ctx, hooks.NewPostDataFileDeleteEvent(hooks.PostDataFileDeletePayload{
		Path:      path,
		Reclaimed: size,
	}))
	r.logger.Debug("deleted completed data file", "path", path, "reclaimed", size)
	return nil
}

// handlePendingAcks folds consumed acknowledgements into the two-layer
// acknowledgement state: records first, then any data files whose records
// are all acknowledged. Gap markers surface here as skipped events.
func (r *Reader[T]) handlePendingAcks(ctx context.Context, forceCheckDataFiles bool) error {
	var (
		hadEligibleRecords bool
		recordsAcked       uint64
		eventsAcked        uint64
		eventsSkipped      uint64
		bytesAcked         uint64
	)

	if consumed := r.ledger.ConsumePendingAcks(); consumed > 0 {
		r.recordAcks.AddAcknowledgements(consumed)

		for {
			marker, ok := r.recordAcks.NextEligibleMarker()
			if !ok {
				break
			}
			hadEligibleRecords = true

			if marker.Assumed {
				// A gap marker: record IDs that were expected but never
				// read, meaning records went missing.
				eventsSkipped += marker.Len
				continue
			}
			recordsAcked++
			eventsAcked += marker.Len
			bytesAcked += marker.Data
		}

		if hadEligibleRecords {
			r.ledger.DecrementTotalBufferSize(bytesAcked)
			r.usage.trackSent(eventsAcked, bytesAcked)

			// Skipped events still advance the durable reader position,
			// otherwise the gap would be reread forever.
			r.ledger.IncrementLastReaderRecordID(eventsAcked + eventsSkipped)
			r.dataFileAcks.AddAcknowledgements(recordsAcked)
		}
		if eventsSkipped > 0 {
			r.usage.trackDropped(eventsSkipped)
			r.logger.Warn("skipped over missing records", "events_skipped", eventsSkipped)
		}
	}

	hadEligibleDataFiles := false
	if hadEligibleRecords || forceCheckDataFiles {
		for {
			marker, ok := r.dataFileAcks.NextEligibleMarker()
			if !ok {
				break
			}
			hadEligibleDataFiles = true
			if err := r.deleteCompletedDataFile(ctx, marker.Data.path, marker.Data.bytesRead, true); err != nil {
				return err
			}
		}
	}

	if hadEligibleRecords || hadEligibleDataFiles {
		r.ledger.NotifyReaderWaiters()
	}
	return nil
}

// rollToNextDataFile marks the current data file for deletion once its
// records are acknowledged and moves the reader to the next file.
func (r *Reader[T]) rollToNextDataFile() {
	path := r.ledger.GetCurrentReaderDataFilePath()

	markerID := r.dataFileMarkedRecordCount
	recordCount := r.dataFileRecordCount
	r.dataFileMarkedRecordCount += recordCount
	r.dataFileRecordCount = 0

	marker := fileDeleteMarker{path: path, bytesRead: r.bytesRead}
	if err := r.dataFileAcks.AddMarker(markerID, recordCount, marker); err != nil {
		panic("adding data file deletion marker should never fail; this is a serious bug")
	}

	r.logger.Debug("marked data file for deletion",
		"path", path,
		"record_count", recordCount,
		"first_record_id", r.dataFileStartRecordID,
		"last_record_id", r.lastReaderRecordID,
		"bytes_read", r.bytesRead)

	r.resetReader()
	r.ledger.IncrementUnackedReaderFileID()
}

// ensureReadyForRead opens the current reader data file, waiting for the
// writer to create it when it does not exist yet.
func (r *Reader[T]) ensureReadyForRead(ctx context.Context) error {
	if r.rr != nil {
		return nil
	}

	for {
		readerFileID, writerFileID := r.ledger.GetCurrentReaderWriterFileID()
		path := r.ledger.GetCurrentReaderDataFilePath()

		file, err := r.opts.Filesystem.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				if readerFileID == writerFileID {
					r.logger.Debug("data file does not exist yet, waiting for writer", "path", path)
					if werr := r.ledger.WaitForWriter(ctx); werr != nil {
						return werr
					}
				} else {
					// The file was already deleted during a previous run
					// but the durable file ID increment never landed.
					r.ledger.IncrementAckedReaderFileID()
				}
				continue
			}
			return err
		}

		r.rr = newRecordReader(file)
		r.logger.Debug("opened data file for reading", "path", path)
		return nil
	}
}

// Next returns the next record along with a Batch the consumer settles once
// the record's events are delivered or dropped. It blocks until a record is
// available and returns io.EOF once the writer is done and the buffer has
// fully drained.
//
// Corrupted records return a bad-read error after the reader has rolled to
// the next data file; the remaining records of the corrupted file are
// skipped.
//
// A torn write at the end of the writer's current data file only becomes a
// partial-write error once the writer has moved on to another file. If the
// writer instead closes without writing again, the torn bytes keep the total
// buffer size above zero and Next keeps waiting rather than returning
// io.EOF.
func (r *Reader[T]) Next(ctx context.Context) (T, *Batch, error) {
	var zero T
	forceCheckDataFiles := false

	var token readToken
	for {
		if err := r.handlePendingAcks(ctx, forceCheckDataFiles); err != nil {
			return zero, nil, err
		}
		forceCheckDataFiles = false

		// Buffer size rather than record counts decides the end of the
		// stream: skipped corrupted records never produce reads, but their
		// bytes are reclaimed when their file is deleted.
		if r.ledger.IsWriterDone() && r.ledger.GetTotalBufferSize() == 0 {
			return zero, nil, io.EOF
		}

		if err := r.ensureReadyForRead(ctx); err != nil {
			return zero, nil, err
		}

		readerFileID, writerFileID := r.ledger.GetCurrentReaderWriterFileID()

		// A file the writer has moved past must be complete, so anything
		// short in it is a partial write. While seeking, every file is
		// treated as finalized for the same reason.
		isFinalized := readerFileID != writerFileID || !r.readyToRead

		tok, ok, err := r.rr.tryNextRecord(isFinalized)
		if err != nil {
			if core.IsBadRead(err) {
				r.usage.trackCorrupted()
				r.hooks.Trigger(ctx, hooks.NewOnCorruptedRecordEvent(hooks.OnCorruptedRecordPayload{
					FileID: readerFileID,
					Err:    err,
				}))
				r.logger.Error("corrupted record, rolling to next data file",
					"file_id", readerFileID, "error", err)
				r.rollToNextDataFile()
			}
			return zero, nil, err
		}
		if ok {
			token = tok
			break
		}

		// No complete record available. Either we reached the end of a
		// finished data file, or we caught up to the writer and need to
		// wait for it to flush more.
		if r.readyToRead {
			if readerFileID != writerFileID {
				r.logger.Debug("reached the end of current data file",
					"reader_file_id", readerFileID, "writer_file_id", writerFileID)
				r.rollToNextDataFile()
				forceCheckDataFiles = true
				continue
			}
			if err := r.ledger.WaitForWriter(ctx); err != nil {
				return zero, nil, err
			}
			continue
		}

		// Seeking. Caught up to the writer means there is nothing further
		// to seek through; a finished earlier file just rolls over.
		if readerFileID == writerFileID {
			return zero, nil, errSeekCaughtUp
		}
		r.rollToNextDataFile()
		forceCheckDataFiles = true
	}

	item, err := readRecordPayload(r.rr, token, r.codec)
	if err != nil {
		return zero, nil, err
	}
	events := item.EventCount()
	if events == 0 {
		return zero, nil, core.ErrEmptyRecord
	}
	r.trackRead(token.id, uint64(token.bytes), events)

	var batch *Batch
	if r.readyToRead {
		batch = newBatch(events)
		r.fin.register(batch)
	}
	return item, batch, nil
}

// seekToNextRecord repositions the reader at the record after the last
// acknowledged one. Stale data files whose records were all acknowledged in
// a previous run are deleted wholesale; the file holding the target record
// is then read front to back until the reader is caught up.
func (r *Reader[T]) seekToNextRecord(ctx context.Context) error {
	if r.readyToRead {
		return nil
	}

	ledgerLast := r.ledger.GetLastReaderRecordID()
	r.logger.Debug("seeking to last acknowledged record", "last_record_id", ledgerLast)

	// Fast path: while the reader trails the writer by whole files, the
	// last record of each file tells us whether the whole file is behind
	// the acknowledged position. Any doubt falls through to the slow path
	// below, which never skips anything.
	for r.ledger.GetCurrentReaderFileID() != r.ledger.GetCurrentWriterFileID() {
		// Opening first matters: it skips over file IDs whose deletion was
		// acknowledged but never made durable, so the path below is the file
		// that actually exists.
		if err := r.ensureReadyForRead(ctx); err != nil {
			return err
		}
		if r.ledger.GetCurrentReaderFileID() == r.ledger.GetCurrentWriterFileID() {
			break
		}
		path := r.ledger.GetCurrentReaderDataFilePath()

		rec, found, err := readLastRecord(r.opts.Filesystem, path)
		if err != nil || !found {
			break
		}
		if !r.codec.CanDecode(rec.Metadata) {
			break
		}
		item, derr := r.codec.Decode(rec.Metadata, rec.Payload)
		if derr != nil {
			break
		}

		lastIDInFile := rec.ID + item.EventCount() - 1
		if ledgerLast <= lastIDInFile {
			break
		}

		if err := r.deleteCompletedDataFile(ctx, path, 0, false); err != nil {
			return err
		}
		r.resetReader()
	}

	// Slow path: read records until we are past the last acknowledged one.
	for r.lastReaderRecordID < ledgerLast {
		_, _, err := r.Next(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, errSeekCaughtUp) || errors.Is(err, io.EOF) {
			break
		}
		if core.IsBadRead(err) {
			// The writer may have seen the same bad record and marked
			// itself to roll without creating the next file yet. Our roll
			// already moved us ahead of it, so we are synchronized.
			readerFileID, writerFileID := r.ledger.GetCurrentReaderWriterFileID()
			if readerFileID > writerFileID {
				break
			}
			continue
		}
		return err
	}

	r.logger.Debug("synchronized with ledger, reader ready",
		"last_record_id_read", r.lastReaderRecordID)
	r.readyToRead = true
	return nil
}

// Close releases the reader's open data file.
func (r *Reader[T]) Close() error {
	if r.rr != nil {
		err := r.rr.file.Close()
		r.rr = nil
		return err
	}
	return nil
}
