// Package buffer implements a durable, disk-backed FIFO buffer of records.
//
// Records are framed, checksummed, and appended to a series of size-capped
// data files, while a small ledger file tracks the durable writer and reader
// positions. Readers hand out batches that consumers acknowledge once the
// events are delivered; acknowledged data files are deleted, bounding disk
// usage. On restart the buffer reconciles the ledger with the data files and
// resumes exactly after the last acknowledged record.
package buffer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/ledger"
)

// Buffer couples a Writer and a Reader over the same on-disk state. A buffer
// directory is owned by exactly one process at a time, enforced with a file
// lock.
type Buffer[T core.Bufferable] struct {
	opts   Options
	ledger *ledger.Ledger
	writer *Writer[T]
	reader *Reader[T]

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Open loads or creates the buffer in opts.DataDir and recovers its state:
// the writer reconciles the ledger against the last record on disk, then the
// reader seeks back to the record after the last acknowledged one.
func Open[T core.Bufferable](ctx context.Context, codec core.Codec[T], opts Options) (*Buffer[T], error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	l, err := ledger.Load(ledger.Options{
		DataDir:       opts.DataDir,
		FlushInterval: opts.FlushInterval,
		Filesystem:    opts.Filesystem,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	usage, err := newUsageTracker(&opts, l)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	b := &Buffer[T]{
		opts:   opts,
		ledger: l,
	}
	fin := newFinalizer(l, usage)
	b.writer = newWriter(l, codec, &b.opts, usage)
	b.reader = newReader(l, codec, &b.opts, usage, fin)

	// The writer must settle on its position first so the reader seeks
	// against a stable view of where writing left off.
	if err := b.writer.validateLastWrite(ctx); err != nil {
		b.writer.resetWriter()
		_ = l.Close()
		return nil, err
	}
	if err := b.reader.seekToNextRecord(ctx); err != nil {
		b.writer.resetWriter()
		_ = b.reader.Close()
		_ = l.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.group, runCtx = errgroup.WithContext(runCtx)
	b.group.Go(func() error {
		if err := fin.run(runCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return b, nil
}

// Writer returns the buffer's writer.
func (b *Buffer[T]) Writer() *Writer[T] {
	return b.writer
}

// Reader returns the buffer's reader.
func (b *Buffer[T]) Reader() *Reader[T] {
	return b.reader
}

// TotalBufferSize returns the total size of unread records across all data
// files.
func (b *Buffer[T]) TotalBufferSize() uint64 {
	return b.ledger.GetTotalBufferSize()
}

// TotalEvents returns the number of events written but not yet acknowledged.
func (b *Buffer[T]) TotalEvents() uint64 {
	return b.ledger.GetTotalRecords()
}

// Close flushes and closes the writer, stops the acknowledgement machinery,
// waits for asynchronous hook listeners, and releases the ledger and its
// lock. Unacknowledged records stay on disk and are served again on the next
// Open.
func (b *Buffer[T]) Close() error {
	b.closeOnce.Do(func() {
		err := b.writer.Close()
		if rerr := b.reader.Close(); err == nil {
			err = rerr
		}
		b.cancel()
		if gerr := b.group.Wait(); err == nil && gerr != nil && !errors.Is(gerr, context.Canceled) {
			err = gerr
		}
		// Asynchronous hook listeners may still be running; wait them out
		// before the buffer state they might inspect goes away.
		b.opts.HookManager.Stop()
		if lerr := b.ledger.Close(); err == nil {
			err = lerr
		}
		b.closeErr = err
	})
	return b.closeErr
}
