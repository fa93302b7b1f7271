package buffer

import (
	"context"
	"sync"

	"github.com/INLOpen/nexusbuffer/ledger"
)

// Batch tracks the delivery of the events carried by a single read. The
// consumer settles it exactly once with Delivered or Dropped; until then the
// records behind it stay on disk and survive a restart.
type Batch struct {
	events  uint64
	dropped bool

	once sync.Once
	done chan struct{}
}

func newBatch(events uint64) *Batch {
	return &Batch{
		events: events,
		done:   make(chan struct{}),
	}
}

// EventCount returns the number of events the batch covers.
func (b *Batch) EventCount() uint64 {
	return b.events
}

// Delivered marks the batch as successfully processed. Settling a batch a
// second time has no effect.
func (b *Batch) Delivered() {
	b.settle(false)
}

// Dropped marks the batch as intentionally discarded. The records are
// released from the buffer just as with Delivered; only the accounting
// differs.
func (b *Batch) Dropped() {
	b.settle(true)
}

func (b *Batch) settle(dropped bool) {
	b.once.Do(func() {
		b.dropped = dropped
		close(b.done)
	})
}

// finalizer releases settled batches back to the ledger in the order they
// were handed out, regardless of the order the consumer settles them in.
// Acknowledgements never run ahead of an unsettled batch, which keeps the
// reader's durable position conservative.
type finalizer struct {
	ledger *ledger.Ledger
	usage  *usageTracker

	mu      sync.Mutex
	pending []*Batch
	wake    chan struct{}
}

func newFinalizer(l *ledger.Ledger, usage *usageTracker) *finalizer {
	return &finalizer{
		ledger: l,
		usage:  usage,
		wake:   make(chan struct{}, 1),
	}
}

// register enqueues a batch behind all previously registered batches.
func (f *finalizer) register(b *Batch) {
	f.mu.Lock()
	f.pending = append(f.pending, b)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *finalizer) pop() *Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	b := f.pending[0]
	f.pending[0] = nil
	f.pending = f.pending[1:]
	return b
}

// run drains settled batches until ctx is cancelled. Every settled batch
// becomes pending acknowledgements on the ledger, and the writer waiter
// notification wakes a reader parked waiting for progress so it can fold the
// acknowledgements in.
func (f *finalizer) run(ctx context.Context) error {
	for {
		b := f.pop()
		if b == nil {
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if b.dropped {
			f.usage.trackDropped(b.events)
		}
		f.ledger.IncrementPendingAcks(b.events)
		f.ledger.NotifyWriterWaiters()
	}
}
