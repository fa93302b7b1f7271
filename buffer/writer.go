package buffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/hooks"
	"github.com/INLOpen/nexusbuffer/ledger"
	"github.com/INLOpen/nexusbuffer/sys"
)

// flushResult describes buffered data that reached the data file.
type flushResult struct {
	events uint64
	bytes  uint64
}

// trackingBufWriter is a buffered writer over a data file that reports, on
// every write, how many events and bytes were implicitly flushed to make
// room. The caller needs those numbers to keep the ledger's record ID and
// buffer size accounting in lockstep with what is actually on disk.
type trackingBufWriter struct {
	file            sys.FileHandle
	buf             []byte
	unflushedEvents uint64
}

func newTrackingBufWriter(file sys.FileHandle, size int) *trackingBufWriter {
	return &trackingBufWriter{file: file, buf: make([]byte, 0, size)}
}

// write buffers data, flushing buffered data first when it no longer fits.
// Data larger than the buffer itself is written straight through. The
// returned flushResult covers everything that reached the file during this
// call, and is nil when the data was only buffered.
func (w *trackingBufWriter) write(events uint64, data []byte) (*flushResult, error) {
	var result *flushResult
	if len(w.buf)+len(data) > cap(w.buf) && len(w.buf) > 0 {
		fr, err := w.flush()
		if err != nil {
			return nil, err
		}
		result = fr
	}

	if len(data) >= cap(w.buf) {
		if _, err := w.file.Write(data); err != nil {
			return nil, err
		}
		if result == nil {
			result = &flushResult{}
		}
		result.events += events
		result.bytes += uint64(len(data))
		return result, nil
	}

	w.buf = append(w.buf, data...)
	w.unflushedEvents += events
	return result, nil
}

// flush writes all buffered data to the file.
func (w *trackingBufWriter) flush() (*flushResult, error) {
	if len(w.buf) == 0 {
		return &flushResult{}, nil
	}
	if _, err := w.file.Write(w.buf); err != nil {
		return nil, err
	}
	fr := &flushResult{events: w.unflushedEvents, bytes: uint64(len(w.buf))}
	w.buf = w.buf[:0]
	w.unflushedEvents = 0
	return fr, nil
}

// writeToken proves that a record was archived and must be flushed before the
// next archival call can stage another frame.
type writeToken struct {
	serializedLen int
}

// recordWriter encodes records and writes them to a single data file.
type recordWriter[T core.Bufferable] struct {
	w     *trackingBufWriter
	codec core.Codec[T]

	encodeBuf bytes.Buffer
	frameBuf  bytes.Buffer

	currentSize     uint64
	maxDataFileSize uint64
	maxRecordSize   uint64
}

func newRecordWriter[T core.Bufferable](file sys.FileHandle, currentSize uint64, writeBufferSize int, maxDataFileSize, maxRecordSize uint64, codec core.Codec[T]) *recordWriter[T] {
	return &recordWriter[T]{
		w:               newTrackingBufWriter(file, writeBufferSize),
		codec:           codec,
		currentSize:     currentSize,
		maxDataFileSize: maxDataFileSize,
		maxRecordSize:   maxRecordSize,
	}
}

func (rw *recordWriter[T]) canWrite(frameLen int) bool {
	// A fresh data file always accepts one record. Otherwise a record whose
	// frame delimiter pushes it just past the file limit would roll over
	// endlessly without ever being written.
	if rw.currentSize == 0 {
		return true
	}
	return rw.currentSize+uint64(frameLen) <= rw.maxDataFileSize
}

// archiveRecord encodes item into the staging frame buffer without writing
// it. It returns errDataFileFull when the frame no longer fits in the current
// data file; the caller still owns item and can retry after rolling over. A
// staged frame that is never flushed is simply discarded by the next
// archival.
func (rw *recordWriter[T]) archiveRecord(id uint64, item T) (writeToken, error) {
	rw.encodeBuf.Reset()
	if err := rw.codec.Encode(item, &rw.encodeBuf); err != nil {
		return writeToken{}, fmt.Errorf("failed to encode record: %w", err)
	}

	recordLen := uint64(core.RecordHeaderLen + rw.encodeBuf.Len())
	if recordLen > rw.maxRecordSize {
		return writeToken{}, &RecordTooLargeError{RecordSize: recordLen, Limit: rw.maxRecordSize}
	}

	rw.frameBuf.Reset()
	n, err := core.EncodeRecord(&rw.frameBuf, id, rw.codec.Metadata(), rw.encodeBuf.Bytes())
	if err != nil {
		return writeToken{}, err
	}
	if !rw.canWrite(n) {
		return writeToken{}, errDataFileFull
	}
	return writeToken{serializedLen: n}, nil
}

// flushRecord writes the most recently archived frame to the data file.
func (rw *recordWriter[T]) flushRecord(token writeToken, events uint64) (int, *flushResult, error) {
	if token.serializedLen != rw.frameBuf.Len() {
		panic("using write token from a stale archival; this is a serious bug")
	}
	fr, err := rw.w.write(events, rw.frameBuf.Bytes())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to write record frame: %w", err)
	}
	rw.currentSize += uint64(token.serializedLen)
	return token.serializedLen, fr, nil
}

func (rw *recordWriter[T]) flush() (*flushResult, error) {
	return rw.w.flush()
}

func (rw *recordWriter[T]) sync() error {
	return rw.w.file.Sync()
}

func (rw *recordWriter[T]) closeFile() error {
	return rw.w.file.Close()
}

// Writer appends records to the buffer. It is not safe for concurrent use;
// wrap it if multiple goroutines need to write.
type Writer[T core.Bufferable] struct {
	ledger *ledger.Ledger
	opts   *Options
	codec  core.Codec[T]
	logger *slog.Logger
	usage  *usageTracker
	hooks  hooks.Manager

	rw              *recordWriter[T]
	nextRecordID    uint64
	unflushedEvents uint64
	unflushedBytes  uint64
	dataFileSize    uint64
	dataFileFull    bool
	skipToNext      bool
	readyToWrite    bool
	closed          bool
}

func newWriter[T core.Bufferable](l *ledger.Ledger, codec core.Codec[T], opts *Options, usage *usageTracker) *Writer[T] {
	return &Writer[T]{
		ledger:       l,
		opts:         opts,
		codec:        codec,
		logger:       opts.Logger.With("component", "writer"),
		usage:        usage,
		hooks:        opts.HookManager,
		nextRecordID: l.GetNextWriterRecordID(),
	}
}

// getNextRecordID accounts for buffered records whose IDs the ledger has not
// seen yet.
func (w *Writer[T]) getNextRecordID() uint64 {
	return w.nextRecordID + w.unflushedEvents
}

func (w *Writer[T]) trackWrite(events, recordSize uint64) {
	w.dataFileSize += recordSize
	w.unflushedEvents += events
	w.unflushedBytes += recordSize
}

func (w *Writer[T]) flushWriteState() {
	w.flushWriteStatePartial(w.unflushedEvents, w.unflushedBytes)
}

// flushWriteStatePartial moves accounting for data that reached the data
// file from the writer's transient state into the ledger. Record IDs only
// advance here, after the bytes carrying them are out of the write buffer,
// so the ledger never claims an ID that was never written.
func (w *Writer[T]) flushWriteStatePartial(flushedEvents, flushedBytes uint64) {
	w.nextRecordID = w.ledger.IncrementNextWriterRecordID(flushedEvents)
	w.unflushedEvents -= flushedEvents
	w.unflushedBytes -= flushedBytes

	w.ledger.IncrementTotalBufferSize(flushedBytes)
	w.usage.trackWrite(flushedEvents, flushedBytes)
}

func (w *Writer[T]) isBufferFull() bool {
	return w.ledger.GetTotalBufferSize()+w.unflushedBytes >= w.opts.MaxBufferSize
}

func (w *Writer[T]) canWrite() bool {
	return !w.dataFileFull && w.dataFileSize < w.opts.MaxDataFileSize
}

func (w *Writer[T]) canWriteRecord(frameLen int) bool {
	total := w.ledger.GetTotalBufferSize() + w.unflushedBytes
	return w.canWrite() && total+uint64(frameLen) <= w.opts.MaxBufferSize
}

func (w *Writer[T]) resetWriter() {
	if w.rw != nil {
		_ = w.rw.closeFile()
		w.rw = nil
	}
	w.dataFileSize = 0
	w.dataFileFull = false
}

func (w *Writer[T]) shouldSkip() bool {
	skip := w.skipToNext
	w.skipToNext = false
	return skip
}

// validateLastWrite reconciles the ledger's writer position with the last
// record actually present in the current data file. A corrupted or
// partially written final record rolls the writer to a fresh file, since the
// reader has to stop at the first error in a file anyway. A checksum-valid
// record that the codec cannot decode is a hard error: the buffer holds
// records this codec cannot be trusted with.
func (w *Writer[T]) validateLastWrite(ctx context.Context) error {
	if w.readyToWrite {
		return nil
	}
	if err := w.ensureReadyForWrite(ctx); err != nil {
		return err
	}
	if w.dataFileSize == 0 {
		w.readyToWrite = true
		return nil
	}

	path := w.ledger.GetCurrentWriterDataFilePath()
	rec, found, err := readLastRecord(w.opts.Filesystem, path)

	skip := false
	switch {
	case err != nil && core.IsBadRead(err):
		w.logger.Error("last written record is unreadable, rolling to a fresh data file",
			"path", path, "error", err)
		skip = true
	case err != nil:
		return fmt.Errorf("failed to inspect data file %s: %w", path, err)
	case !found:
		skip = true
	default:
		if !w.codec.CanDecode(rec.Metadata) {
			return &ValidationError{Reason: fmt.Sprintf("record metadata %#08x is not decodable by the configured codec", rec.Metadata)}
		}
		item, derr := w.codec.Decode(rec.Metadata, rec.Payload)
		if derr != nil {
			return &ValidationError{Reason: "failed to decode last written record", Err: derr}
		}

		ledgerNext := w.ledger.GetNextWriterRecordID()
		recordNext := rec.ID + item.EventCount()
		switch {
		case ledgerNext == recordNext:
			w.logger.Debug("writer synchronized with ledger",
				"next_record_id", ledgerNext)
		case ledgerNext > recordNext:
			w.logger.Error("last record in data file is behind the expected position, events were likely lost",
				"ledger_next", ledgerNext, "record_next", recordNext)
			skip = true
		default:
			// The data file is ahead of the ledger: a record made it to
			// disk but the ledger was never flushed. Record IDs are
			// monotonic, so fast forwarding the ledger avoids handing out
			// duplicate IDs.
			w.logger.Debug("ledger desynchronized from data file, fast forwarding",
				"ledger_next", ledgerNext, "record_next", recordNext)
			w.nextRecordID = w.ledger.IncrementNextWriterRecordID(recordNext - ledgerNext)
			w.unflushedEvents = 0
		}
	}

	if skip {
		w.resetWriter()
		w.skipToNext = true
	}
	w.readyToWrite = true
	return nil
}

// openDataFile creates the data file at path, falling back to opening an
// existing one. ok is false when the file still holds records the reader has
// not finished with, which means the writer must wait for it to be deleted.
func (w *Writer[T]) openDataFile(path string, openingNext bool) (file sys.FileHandle, size uint64, ok bool, err error) {
	fs := w.opts.Filesystem

	file, err = fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_APPEND|os.O_RDWR, 0644)
	if err == nil {
		return file, 0, true, nil
	}
	if !os.IsExist(err) {
		return nil, 0, false, err
	}

	// The file already exists. It may be empty because the reader deleted
	// it between our two opens, it may be the file we left off writing to
	// during a previous run, or it may be a full file the reader is still
	// working through.
	file, err = fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, 0, false, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, false, err
	}
	size = uint64(info.Size())
	if size == 0 || !openingNext {
		return file, size, true, nil
	}
	_ = file.Close()
	return nil, 0, false, nil
}

// ensureReadyForWrite blocks until the writer has an open data file with room
// to write, applying backpressure when the buffer is at its maximum size, and
// rolling to the next data file when the current one is full.
func (w *Writer[T]) ensureReadyForWrite(ctx context.Context) error {
	// While validating the last write nothing is actually written, so the
	// buffer being full does not matter yet.
	for w.isBufferFull() && w.readyToWrite {
		w.logger.Debug("buffer size limit reached, waiting for reader progress",
			"total_buffer_size", w.ledger.GetTotalBufferSize()+w.unflushedBytes,
			"max_buffer_size", w.opts.MaxBufferSize)
		if err := w.ledger.WaitForReader(ctx); err != nil {
			return err
		}
	}

	shouldOpenNext := w.shouldSkip()
	if w.rw != nil {
		if w.canWrite() {
			return nil
		}
		shouldOpenNext = true
		if err := w.flushInner(true); err != nil {
			return err
		}
		w.flushWriteState()
		w.resetWriter()
	}

	for {
		var path string
		if shouldOpenNext {
			path = w.ledger.GetNextWriterDataFilePath()
		} else {
			path = w.ledger.GetCurrentWriterDataFilePath()
		}

		file, size, ok, err := w.openDataFile(path, shouldOpenNext)
		if err != nil {
			return err
		}
		if !ok {
			// File IDs wrap around eventually, so a stalled reader can
			// leave the file we want to reuse still on disk. Wait for the
			// reader to finish and delete it.
			w.logger.Debug("target data file still unread, waiting for reader", "path", path)
			if err := w.ledger.WaitForReader(ctx); err != nil {
				return err
			}
			continue
		}

		if err := file.Sync(); err != nil {
			_ = file.Close()
			return err
		}

		w.rw = newRecordWriter(file, size, w.opts.WriteBufferSize, w.opts.MaxDataFileSize, w.opts.MaxRecordSize, w.codec)
		w.dataFileSize = size

		if shouldOpenNext {
			w.ledger.IncrementWriterFileID()
			w.ledger.NotifyWriterWaiters()
			w.hooks.Trigger(ctx, hooks.NewPostDataFileRotateEvent(hooks.PostDataFileRotatePayload{
				FileID: w.ledger.GetCurrentWriterFileID(),
				Path:   path,
			}))
			w.logger.Debug("writer now on new data file",
				"file_id", w.ledger.GetCurrentWriterFileID())
		}
		return nil
	}
}

// tryWriteRecord attempts a single write. retry is true when the record did
// not fit because of the buffer size limit; the caller still owns item and
// can try again once the reader makes progress.
func (w *Writer[T]) tryWriteRecord(ctx context.Context, item T) (n int, retry bool, err error) {
	if w.isBufferFull() {
		return 0, true, nil
	}

	events := item.EventCount()
	if events == 0 {
		return 0, false, core.ErrEmptyRecord
	}
	recordID := w.getNextRecordID()

	var token writeToken
	for {
		if err := w.ensureReadyForWrite(ctx); err != nil {
			return 0, false, err
		}
		t, err := w.rw.archiveRecord(recordID, item)
		if err == nil {
			token = t
			break
		}
		if errors.Is(err, errDataFileFull) {
			w.dataFileFull = true
			w.logger.Debug("data file reached maximum size, rolling to the next data file",
				"data_file_size", w.dataFileSize,
				"max_data_file_size", w.opts.MaxDataFileSize)
			continue
		}
		return 0, false, err
	}

	// The record encoded fine, but the buffer limit is checked against the
	// exact frame size before anything is written. The staged frame is
	// discarded by the next archival if we bail here.
	if !w.canWriteRecord(token.serializedLen) {
		return 0, true, nil
	}

	n, fr, err := w.rw.flushRecord(token, events)
	if err != nil {
		return 0, false, err
	}
	w.trackWrite(events, uint64(n))

	// Anything implicitly flushed is now readable, so sync the ledger
	// accounting and let a waiting reader know.
	if fr != nil && (fr.events > 0 || fr.bytes > 0) {
		w.flushWriteStatePartial(fr.events, fr.bytes)
		w.ledger.NotifyWriterWaiters()
	}
	return n, false, nil
}

// WriteRecord writes item to the buffer, blocking while the buffer is at its
// maximum size. It returns the number of bytes written to the data file.
func (w *Writer[T]) WriteRecord(ctx context.Context, item T) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	for {
		n, retry, err := w.tryWriteRecord(ctx, item)
		if err != nil {
			return 0, err
		}
		if !retry {
			return n, nil
		}
		if err := w.ledger.WaitForReader(ctx); err != nil {
			return 0, err
		}
	}
}

// flushInner flushes the write buffer so the reader can see the data through
// the page cache. Data and ledger are only fsynced when the flush interval
// elapsed or when forced.
func (w *Writer[T]) flushInner(force bool) error {
	if w.rw != nil {
		if _, err := w.rw.flush(); err != nil {
			return err
		}
		w.ledger.NotifyWriterWaiters()
	}

	if w.ledger.ShouldFlush() || force {
		if w.rw != nil {
			if err := w.rw.sync(); err != nil {
				return err
			}
		}
		return w.ledger.Flush()
	}
	return nil
}

// Flush makes written records visible to the reader. It must be called for
// the reader to make progress on buffered writes.
func (w *Writer[T]) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.flushInner(false); err != nil {
		return err
	}
	w.flushWriteState()
	return nil
}

// Close flushes and syncs all outstanding writes, then marks the writer as
// done so the reader can drain the buffer and finish.
func (w *Writer[T]) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if w.rw != nil {
		if _, err := w.rw.flush(); err != nil {
			firstErr = err
		}
		w.flushWriteState()
		if err := w.rw.sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.rw.closeFile(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.rw = nil
	}
	if err := w.ledger.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}

	if w.ledger.MarkWriterDone() {
		w.logger.Debug("writer marked as done")
		w.ledger.NotifyWriterWaiters()
	}
	return firstErr
}
