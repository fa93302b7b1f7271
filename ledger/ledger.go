// Package ledger coordinates the reader and writer of a disk buffer.
//
// The ledger owns the durable cursors of both sides: the writer's next
// record ID and current data file, and the reader's last processed record ID
// and current data file. It also carries the transient state the two sides
// share within a process: the total buffer size, acknowledgements pending
// consumption by the reader, and wakeup notifications in both directions.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/sys"
)

// maxFileID bounds data file IDs. IDs wrap around at this value, so file
// names are eventually reused once old files have been deleted.
const maxFileID = math.MaxUint16

// Options configures a Ledger.
type Options struct {
	// DataDir is the directory holding the ledger state file, the lock
	// file, and all data files. It is created if it does not exist.
	DataDir string

	// FlushInterval bounds how often ShouldFlush grants a durable flush of
	// the ledger and data files.
	FlushInterval time.Duration

	// Filesystem abstracts file access. Defaults to the real filesystem.
	Filesystem sys.Filesystem

	Logger *slog.Logger
}

// Ledger tracks the durable and transient coordination state of a disk
// buffer. All methods are safe for concurrent use by one reader and one
// writer.
type Ledger struct {
	opts   Options
	logger *slog.Logger

	// mu serializes writes of the state file.
	mu          sync.Mutex
	file        sys.FileHandle
	releaseLock func() error

	writerNextRecordID  atomic.Uint64
	writerCurrentFileID atomic.Uint32
	readerCurrentFileID atomic.Uint32
	readerLastRecordID  atomic.Uint64

	totalBufferSize           atomic.Uint64
	pendingAcks               atomic.Uint64
	unackedReaderFileIDOffset atomic.Uint32
	writerDone                atomic.Bool
	lastFlush                 atomic.Int64

	readerNotify chan struct{}
	writerNotify chan struct{}
}

// Load opens or creates the ledger in opts.DataDir.
//
// The buffer directory is locked for the lifetime of the ledger; a second
// process attempting to load the same buffer gets sys.ErrLockHeld. If a
// state file already exists it is verified and loaded, and the total buffer
// size is reconstructed by summing the sizes of all data files on disk. The
// reader adjusts it downwards as it seeks back to where it left off.
func Load(opts Options) (*Ledger, error) {
	if opts.Filesystem == nil {
		opts.Filesystem = sys.OSFilesystem{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}

	if err := opts.Filesystem.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory %s: %w", opts.DataDir, err)
	}

	releaseLock, err := sys.AcquireFileLock(filepath.Join(opts.DataDir, core.LockFileName))
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		opts:         opts,
		logger:       opts.Logger.With("component", "ledger"),
		releaseLock:  releaseLock,
		readerNotify: make(chan struct{}, 1),
		writerNotify: make(chan struct{}, 1),
	}
	l.lastFlush.Store(time.Now().UnixNano())

	if err := l.loadState(); err != nil {
		_ = releaseLock()
		return nil, err
	}
	if err := l.reconstructBufferSize(); err != nil {
		_ = l.file.Close()
		_ = releaseLock()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) loadState() error {
	path := filepath.Join(l.opts.DataDir, core.LedgerFileName)
	file, err := l.opts.Filesystem.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file %s: %w", path, err)
	}
	l.file = file

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat ledger file %s: %w", path, err)
	}

	var state ledgerState
	if stat.Size() == 0 {
		l.logger.Debug("Ledger file empty. Initializing with default ledger state.")
		state = defaultLedgerState()
		if _, err := file.WriteAt(state.marshal(), 0); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to initialize ledger file %s: %w", path, err)
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to sync ledger file %s: %w", path, err)
		}
	} else {
		buf := make([]byte, stateFileLen)
		if _, err := file.ReadAt(buf, 0); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to read ledger file %s: %w", path, err)
		}
		state, err = unmarshalLedgerState(buf)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to load ledger file %s: %w", path, err)
		}
	}

	l.writerNextRecordID.Store(state.writerNextRecordID)
	l.writerCurrentFileID.Store(uint32(state.writerCurrentFileID))
	l.readerCurrentFileID.Store(uint32(state.readerCurrentFileID))
	l.readerLastRecordID.Store(state.readerLastRecordID)
	return nil
}

// reconstructBufferSize sums the sizes of all data files on disk. Crashes
// can leave the persisted cursors slightly behind reality, but file sizes
// cannot lie, so this is always a correct starting point for the total
// buffer size.
func (l *Ledger) reconstructBufferSize() error {
	entries, err := l.opts.Filesystem.ReadDir(l.opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to list buffer directory %s: %w", l.opts.DataDir, err)
	}

	var totalBufferSize uint64
	for _, entry := range entries {
		if entry.IsDir() || !core.IsDataFileName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat data file %s: %w", entry.Name(), err)
		}
		totalBufferSize += uint64(info.Size())
		l.logger.Debug("Found existing data file.",
			"data_file", entry.Name(), "file_size", info.Size(), "total_buffer_size", totalBufferSize)
	}

	l.totalBufferSize.Add(totalBufferSize)
	return nil
}

// DataDir returns the buffer directory.
func (l *Ledger) DataDir() string {
	return l.opts.DataDir
}

// GetNextWriterRecordID returns the ID the writer will assign to the next
// record.
func (l *Ledger) GetNextWriterRecordID() uint64 {
	return l.writerNextRecordID.Load()
}

// IncrementNextWriterRecordID advances the next writer record ID by amount
// and returns the new value.
func (l *Ledger) IncrementNextWriterRecordID(amount uint64) uint64 {
	return l.writerNextRecordID.Add(amount)
}

// GetCurrentWriterFileID returns the data file ID the writer is writing to.
func (l *Ledger) GetCurrentWriterFileID() uint16 {
	return uint16(l.writerCurrentFileID.Load())
}

// GetNextWriterFileID returns the data file ID the writer will move to next.
func (l *Ledger) GetNextWriterFileID() uint16 {
	return nextFileID(l.GetCurrentWriterFileID())
}

// IncrementWriterFileID moves the writer to the next data file ID.
func (l *Ledger) IncrementWriterFileID() {
	l.writerCurrentFileID.Store(uint32(nextFileID(l.GetCurrentWriterFileID())))
}

// GetCurrentReaderFileID returns the data file ID the reader is reading
// from. This compensates for data files that have been fully read but not
// yet fully acknowledged and deleted.
func (l *Ledger) GetCurrentReaderFileID() uint16 {
	offset := uint16(l.unackedReaderFileIDOffset.Load())
	return offsetFileID(l.ackedReaderFileID(), offset)
}

// GetCurrentReaderWriterFileID returns the current reader and writer data
// file IDs together.
func (l *Ledger) GetCurrentReaderWriterFileID() (uint16, uint16) {
	return l.GetCurrentReaderFileID(), l.GetCurrentWriterFileID()
}

func (l *Ledger) ackedReaderFileID() uint16 {
	return uint16(l.readerCurrentFileID.Load())
}

// GetLastReaderRecordID returns the last record ID fully processed and
// acknowledged by the reader.
func (l *Ledger) GetLastReaderRecordID() uint64 {
	return l.readerLastRecordID.Load()
}

// IncrementLastReaderRecordID advances the last reader record ID by amount.
func (l *Ledger) IncrementLastReaderRecordID(amount uint64) {
	l.readerLastRecordID.Add(amount)
}

// GetTotalBufferSize returns the total size, in bytes, of all unprocessed
// records in the buffer.
func (l *Ledger) GetTotalBufferSize() uint64 {
	return l.totalBufferSize.Load()
}

// IncrementTotalBufferSize increases the total buffer size by amount.
func (l *Ledger) IncrementTotalBufferSize(amount uint64) {
	l.totalBufferSize.Add(amount)
}

// DecrementTotalBufferSize decreases the total buffer size by amount.
func (l *Ledger) DecrementTotalBufferSize(amount uint64) {
	l.totalBufferSize.Add(^(amount - 1))
}

// GetTotalRecords returns the number of record IDs written but not yet fully
// processed. Since records can span multiple IDs, this is an event count,
// not a record count.
func (l *Ledger) GetTotalRecords() uint64 {
	next := l.writerNextRecordID.Load()
	last := l.readerLastRecordID.Load()
	return next - last - 1
}

// GetDataFilePath returns the path of the data file for the given file ID.
func (l *Ledger) GetDataFilePath(fileID uint16) string {
	return filepath.Join(l.opts.DataDir, core.DataFileName(fileID))
}

// GetCurrentReaderDataFilePath returns the path of the data file currently
// being read.
func (l *Ledger) GetCurrentReaderDataFilePath() string {
	return l.GetDataFilePath(l.GetCurrentReaderFileID())
}

// GetCurrentWriterDataFilePath returns the path of the data file currently
// being written.
func (l *Ledger) GetCurrentWriterDataFilePath() string {
	return l.GetDataFilePath(l.GetCurrentWriterFileID())
}

// GetNextWriterDataFilePath returns the path of the data file the writer
// will move to next.
func (l *Ledger) GetNextWriterDataFilePath() string {
	return l.GetDataFilePath(l.GetNextWriterFileID())
}

// WaitForReader blocks until the reader makes progress, or ctx is done.
func (l *Ledger) WaitForReader(ctx context.Context) error {
	select {
	case <-l.readerNotify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForWriter blocks until the writer makes progress, or ctx is done.
func (l *Ledger) WaitForWriter(ctx context.Context) error {
	select {
	case <-l.writerNotify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyReaderWaiters wakes a task waiting for reader progress.
func (l *Ledger) NotifyReaderWaiters() {
	select {
	case l.readerNotify <- struct{}{}:
	default:
	}
}

// NotifyWriterWaiters wakes a task waiting for writer progress.
func (l *Ledger) NotifyWriterWaiters() {
	select {
	case l.writerNotify <- struct{}{}:
	default:
	}
}

// MarkWriterDone marks the writer as closed. It returns true the first time
// it is called.
func (l *Ledger) MarkWriterDone() bool {
	return l.writerDone.CompareAndSwap(false, true)
}

// IsWriterDone reports whether the writer has been closed.
func (l *Ledger) IsWriterDone() bool {
	return l.writerDone.Load()
}

// IncrementPendingAcks adds newly acknowledged events for the reader to
// consume on its next pass.
func (l *Ledger) IncrementPendingAcks(amount uint64) {
	l.pendingAcks.Add(amount)
}

// ConsumePendingAcks takes all pending acknowledged events, resetting the
// count to zero.
func (l *Ledger) ConsumePendingAcks() uint64 {
	return l.pendingAcks.Swap(0)
}

// IncrementUnackedReaderFileID moves the reader to the next data file
// without marking the current one as fully processed. The durable reader
// file ID only advances once the file's records have all been acknowledged
// and the file deleted, so a crash restarts reads from the oldest
// unacknowledged file.
func (l *Ledger) IncrementUnackedReaderFileID() {
	l.unackedReaderFileIDOffset.Add(1)
}

// IncrementAckedReaderFileID durably advances the reader file ID after a
// data file has been fully acknowledged and deleted, and shrinks the
// unacked offset accordingly.
func (l *Ledger) IncrementAckedReaderFileID() {
	newReaderFileID := nextFileID(l.ackedReaderFileID())
	l.readerCurrentFileID.Store(uint32(newReaderFileID))

	for {
		offset := l.unackedReaderFileIDOffset.Load()
		if offset == 0 {
			break
		}
		if l.unackedReaderFileIDOffset.CompareAndSwap(offset, offset-1) {
			break
		}
	}
}

// ShouldFlush reports whether the flush interval has elapsed since the last
// durable flush. With concurrent callers, only one receives true per
// interval and is responsible for flushing.
func (l *Ledger) ShouldFlush() bool {
	last := l.lastFlush.Load()
	now := time.Now().UnixNano()
	if now-last > int64(l.opts.FlushInterval) {
		return l.lastFlush.CompareAndSwap(last, now)
	}
	return false
}

// Flush durably persists the ledger state to disk.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := ledgerState{
		writerNextRecordID:  l.writerNextRecordID.Load(),
		writerCurrentFileID: uint16(l.writerCurrentFileID.Load()),
		readerCurrentFileID: uint16(l.readerCurrentFileID.Load()),
		readerLastRecordID:  l.readerLastRecordID.Load(),
	}
	if _, err := l.file.WriteAt(state.marshal(), 0); err != nil {
		return fmt.Errorf("failed to write ledger state: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger state: %w", err)
	}
	return nil
}

// Close flushes the ledger state and releases the buffer lock.
func (l *Ledger) Close() error {
	flushErr := l.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	closeErr := l.file.Close()
	releaseErr := l.releaseLock()

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return closeErr
	}
	return releaseErr
}

func nextFileID(id uint16) uint16 {
	return (id + 1) % maxFileID
}

func offsetFileID(id, offset uint16) uint16 {
	return (id + offset) % maxFileID
}
