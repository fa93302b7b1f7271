package buffer

import (
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusbuffer/compressors"
	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/payload"
)

func testCodec(t *testing.T) *payload.ChunkCodec {
	t.Helper()
	codec, err := payload.NewDefaultChunkCodec(compressors.TypeNone)
	require.NoError(t, err)
	return codec
}

// paddedEvent builds a 100-byte event. With the none compression scheme the
// single-event chunk payload is 102 bytes, which frames to 126 bytes on
// disk, so three records fill a 380-byte data file.
func paddedEvent(i int) string {
	return fmt.Sprintf("event-%02d-", i) + strings.Repeat("x", 91)
}

func chunkOf(events ...string) *payload.Chunk {
	c := &payload.Chunk{}
	for _, ev := range events {
		c.Events = append(c.Events, []byte(ev))
	}
	return c
}

func openChunkBuffer(t *testing.T, dir string, mutate func(*Options)) *Buffer[*payload.Chunk] {
	t.Helper()
	opts := Options{DataDir: dir}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := Open[*payload.Chunk](context.Background(), testCodec(t), opts)
	require.NoError(t, err)
	return b
}

// nextWithTimeout reads one record, bounding the wait so a stuck reader
// fails the test instead of hanging it.
func nextWithTimeout(t *testing.T, b *Buffer[*payload.Chunk], d time.Duration) (*payload.Chunk, *Batch, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Reader().Next(ctx)
}

func dataFileNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if core.IsDataFileName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names
}

// corruptRecord flips the first payload byte of the record with the given ID
// wherever it lives on disk.
func corruptRecord(t *testing.T, dir string, recordID uint64) {
	t.Helper()
	for _, name := range dataFileNames(t, dir) {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		var offset int64
		for offset < int64(len(raw)) {
			frameLen := int64(binary.BigEndian.Uint64(raw[offset:]))
			id := binary.BigEndian.Uint64(raw[offset+core.FrameHeaderLen:])
			if id == recordID {
				file, err := os.OpenFile(path, os.O_RDWR, 0)
				require.NoError(t, err)
				defer file.Close()

				payloadStart := offset + core.FrameHeaderLen + core.RecordHeaderLen
				_, err = file.WriteAt([]byte{raw[payloadStart] ^ 0xFF}, payloadStart)
				require.NoError(t, err)
				require.NoError(t, file.Sync())
				return
			}
			offset += core.FrameHeaderLen + frameLen
		}
	}
	t.Fatalf("record %d not found in any data file under %s", recordID, dir)
}

func TestBufferWriteReadRoundTrip(t *testing.T) {
	b := openChunkBuffer(t, t.TempDir(), nil)
	defer b.Close()

	var want []string
	for i := 1; i <= 5; i++ {
		ev := fmt.Sprintf("event-%02d", i)
		want = append(want, ev)
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(ev))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Flush())

	var got []string
	for range want {
		chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, batch)
		for _, ev := range chunk.Events {
			got = append(got, string(ev))
		}
		batch.Delivered()
	}
	assert.Equal(t, want, got)
}

func TestBufferMultiEventChunks(t *testing.T) {
	b := openChunkBuffer(t, t.TempDir(), nil)
	defer b.Close()

	_, err := b.Writer().WriteRecord(context.Background(), chunkOf("a", "b", "c"))
	require.NoError(t, err)
	_, err = b.Writer().WriteRecord(context.Background(), chunkOf("d", "e"))
	require.NoError(t, err)
	require.NoError(t, b.Writer().Flush())
	assert.Equal(t, uint64(5), b.TotalEvents())

	chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), chunk.EventCount())
	assert.Equal(t, uint64(3), batch.EventCount())
	batch.Delivered()

	chunk, batch, err = nextWithTimeout(t, b, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), chunk.Events[0])
	batch.Delivered()

	require.Eventually(t, func() bool {
		_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
		return b.TotalEvents() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBufferReadBlocksUntilWrite(t *testing.T) {
	b := openChunkBuffer(t, t.TempDir(), nil)
	defer b.Close()

	type result struct {
		chunk *payload.Chunk
		err   error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chunk, batch, err := b.Reader().Next(ctx)
		if batch != nil {
			batch.Delivered()
		}
		results <- result{chunk: chunk, err: err}
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := b.Writer().WriteRecord(context.Background(), chunkOf("late arrival"))
	require.NoError(t, err)
	require.NoError(t, b.Writer().Flush())

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, []byte("late arrival"), res.chunk.Events[0])
	case <-time.After(5 * time.Second):
		t.Fatal("reader never woke up after the write")
	}
}

func TestBufferDrainsToEOFAfterWriterCloses(t *testing.T) {
	b := openChunkBuffer(t, t.TempDir(), nil)
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(fmt.Sprintf("event-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Close())

	var reads int
	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "buffer never drained to EOF")
		chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		require.NoError(t, err)
		require.NotEmpty(t, chunk.Events)
		batch.Delivered()
		reads++
	}
	assert.Equal(t, 3, reads)
	assert.Equal(t, uint64(0), b.TotalBufferSize())
}

func TestBufferCorruptedRecordSkipsRestOfDataFile(t *testing.T) {
	dir := t.TempDir()
	corrupted := &expvar.Int{}
	dropped := &expvar.Int{}
	deleted := &expvar.Int{}

	smallFiles := func(o *Options) {
		// Three single-event records per data file.
		o.MaxRecordSize = 256
		o.MaxDataFileSize = 380
		o.MaxBufferSize = 1 << 20
	}

	b := openChunkBuffer(t, dir, smallFiles)
	for i := 1; i <= 10; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(paddedEvent(i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Flush())
	require.NoError(t, b.Close())
	require.Len(t, dataFileNames(t, dir), 4)

	// Record 5 sits in the middle of the second data file.
	corruptRecord(t, dir, 5)

	b = openChunkBuffer(t, dir, func(o *Options) {
		smallFiles(o)
		o.CorruptedRecords = corrupted
		o.DroppedEvents = dropped
		o.DataFilesDeleted = deleted
	})
	defer b.Close()
	require.NoError(t, b.Writer().Close())

	var got []string
	var badReads int
	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "buffer never drained to EOF")
		chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			require.True(t, core.IsBadRead(err), "unexpected error: %v", err)
			badReads++
			continue
		}
		got = append(got, string(chunk.Events[0])[:8])
		batch.Delivered()
	}

	// Records 1 through 4 survive, 5 is corrupted, and 6 is collateral:
	// the rest of its data file cannot be trusted. 7 through 10 live in
	// later files and read fine.
	assert.Equal(t, 1, badReads)
	assert.Equal(t, []string{
		"event-01", "event-02", "event-03", "event-04",
		"event-07", "event-08", "event-09", "event-10",
	}, got)

	assert.Equal(t, int64(1), corrupted.Value())
	assert.Equal(t, int64(2), dropped.Value())
	assert.Equal(t, int64(3), deleted.Value())

	// Only the writer's final data file should remain.
	names := dataFileNames(t, dir)
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], "00003.dat"))
	assert.Equal(t, uint64(0), b.TotalBufferSize())
}

func TestBufferDeletesFullyAcknowledgedDataFiles(t *testing.T) {
	dir := t.TempDir()
	b := openChunkBuffer(t, dir, func(o *Options) {
		o.MaxRecordSize = 256
		o.MaxDataFileSize = 380
		o.MaxBufferSize = 1 << 20
	})
	defer b.Close()

	for i := 1; i <= 7; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(paddedEvent(i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Close())

	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "buffer never drained to EOF")
		_, batch, err := nextWithTimeout(t, b, 2*time.Second)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		require.NoError(t, err)
		batch.Delivered()
	}

	// The first two data files are fully acknowledged and gone; the
	// writer's current file remains but holds no unread data.
	names := dataFileNames(t, dir)
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], "00002.dat"))
	assert.Equal(t, uint64(0), b.TotalBufferSize())
}

func TestBufferRestartResumesAfterLastAcknowledgedRecord(t *testing.T) {
	dir := t.TempDir()
	b := openChunkBuffer(t, dir, nil)

	for i := 1; i <= 6; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(fmt.Sprintf("event-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Flush())

	for i := 0; i < 3; i++ {
		_, batch, err := nextWithTimeout(t, b, 2*time.Second)
		require.NoError(t, err)
		batch.Delivered()
	}

	// Acknowledgements are folded in on the read path, so poll a read
	// until the ledger has caught up before shutting down.
	require.Eventually(t, func() bool {
		_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
		return b.TotalEvents() == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Close())

	b = openChunkBuffer(t, dir, nil)
	defer b.Close()

	chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, []byte("event-4"), chunk.Events[0])
	batch.Delivered()
}

func TestBufferRecoversFromTruncatedFinalRecord(t *testing.T) {
	dir := t.TempDir()
	b := openChunkBuffer(t, dir, nil)
	for i := 1; i <= 3; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(fmt.Sprintf("event-%02d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())

	// Tear the tail off the final record, as a crash mid-write would.
	path := filepath.Join(dir, core.DataFileName(0))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	// The writer inspects its last write on open, finds the torn record,
	// and rolls to a fresh data file for new writes.
	b = openChunkBuffer(t, dir, nil)
	defer b.Close()
	_, err = b.Writer().WriteRecord(context.Background(), chunkOf("event-04"))
	require.NoError(t, err)
	require.NoError(t, b.Writer().Close())

	var got []string
	var badReads int
	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "buffer never drained to EOF")
		chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			require.True(t, core.IsBadRead(err), "unexpected error: %v", err)
			badReads++
			continue
		}
		got = append(got, string(chunk.Events[0]))
		batch.Delivered()
	}

	// The intact records before the tear and the post-recovery write all
	// survive; the torn record surfaces as a single bad read.
	assert.Equal(t, []string{"event-01", "event-02", "event-04"}, got)
	assert.Equal(t, 1, badReads)
	assert.Equal(t, uint64(0), b.TotalBufferSize())
}

func TestBufferFastForwardsStaleLedger(t *testing.T) {
	dir := t.TempDir()
	b := openChunkBuffer(t, dir, nil)
	_, err := b.Writer().WriteRecord(context.Background(), chunkOf("first"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	ledgerPath := filepath.Join(dir, core.LedgerFileName)
	stale, err := os.ReadFile(ledgerPath)
	require.NoError(t, err)

	b = openChunkBuffer(t, dir, nil)
	for _, ev := range []string{"second", "third"} {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(ev))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())

	// Put back the ledger as it was after the first record, simulating a
	// crash before the later ledger flush landed. The data file is now
	// ahead of the ledger.
	require.NoError(t, os.WriteFile(ledgerPath, stale, 0o644))

	b = openChunkBuffer(t, dir, nil)
	defer b.Close()

	// The writer fast-forwards the ledger to the record after the last one
	// actually on disk, so all three records are readable exactly once.
	assert.Equal(t, uint64(3), b.TotalEvents())
	require.NoError(t, b.Writer().Close())

	var got []string
	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "buffer never drained to EOF")
		chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		require.NoError(t, err)
		got = append(got, string(chunk.Events[0]))
		batch.Delivered()
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
	assert.Equal(t, uint64(0), b.TotalBufferSize())
}

func TestOpenReleasesResourcesOnValidationFailure(t *testing.T) {
	dir := t.TempDir()
	b := openChunkBuffer(t, dir, nil)
	_, err := b.Writer().WriteRecord(context.Background(), chunkOf("event-01"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// A codec that cannot decode the stored compression scheme fails
	// validation during open.
	zstdOnly, err := compressors.New(compressors.TypeZstd)
	require.NoError(t, err)
	_, err = Open[*payload.Chunk](context.Background(), payload.NewChunkCodec(zstdOnly), Options{DataDir: dir})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// The failed open released its lock and file handles, so a compatible
	// codec opens the buffer cleanly and reads the record.
	b = openChunkBuffer(t, dir, nil)
	defer b.Close()
	chunk, batch, err := nextWithTimeout(t, b, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("event-01"), chunk.Events[0])
	batch.Delivered()
}

func TestBufferSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	b := openChunkBuffer(t, dir, nil)
	defer b.Close()

	_, err := Open[*payload.Chunk](context.Background(), testCodec(t), Options{DataDir: dir})
	require.Error(t, err)
}

func TestBatchesAcknowledgeInRegistrationOrder(t *testing.T) {
	b := openChunkBuffer(t, t.TempDir(), nil)
	defer b.Close()

	for i := 1; i <= 3; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(fmt.Sprintf("event-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Flush())

	var batches []*Batch
	for i := 0; i < 3; i++ {
		_, batch, err := nextWithTimeout(t, b, 2*time.Second)
		require.NoError(t, err)
		batches = append(batches, batch)
	}

	// Settling the last batch releases nothing while earlier batches are
	// still outstanding.
	batches[2].Delivered()
	time.Sleep(100 * time.Millisecond)
	_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
	assert.Equal(t, uint64(3), b.TotalEvents())

	batches[0].Delivered()
	require.Eventually(t, func() bool {
		_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
		return b.TotalEvents() == 2
	}, 2*time.Second, 10*time.Millisecond)

	batches[1].Delivered()
	require.Eventually(t, func() bool {
		_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
		return b.TotalEvents() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDroppedBatchStillReleasesRecords(t *testing.T) {
	dropped := &expvar.Int{}
	b := openChunkBuffer(t, t.TempDir(), func(o *Options) {
		o.DroppedEvents = dropped
	})
	defer b.Close()

	_, err := b.Writer().WriteRecord(context.Background(), chunkOf("a", "b"))
	require.NoError(t, err)
	require.NoError(t, b.Writer().Flush())

	_, batch, err := nextWithTimeout(t, b, 2*time.Second)
	require.NoError(t, err)
	batch.Dropped()

	require.Eventually(t, func() bool {
		_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
		return b.TotalEvents() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), dropped.Value())
}

func TestBufferPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := openChunkBuffer(t, t.TempDir(), func(o *Options) {
		o.MetricsRegistry = reg
	})
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(fmt.Sprintf("event-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Flush())

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64, len(families))
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(3), values["nexusbuffer_received_events_total"])
	assert.Equal(t, float64(3), values["nexusbuffer_buffer_events"])
	assert.Greater(t, values["nexusbuffer_buffer_size_bytes"], float64(0))

	// A second registration against the same registry fails instead of
	// silently double counting.
	_, err = Open[*payload.Chunk](context.Background(), testCodec(t), Options{
		DataDir:         t.TempDir(),
		MetricsRegistry: reg,
	})
	require.Error(t, err)
}

func TestBufferUsageCounters(t *testing.T) {
	received := &expvar.Int{}
	receivedBytes := &expvar.Int{}
	sent := &expvar.Int{}
	b := openChunkBuffer(t, t.TempDir(), func(o *Options) {
		o.ReceivedEvents = received
		o.ReceivedBytes = receivedBytes
		o.SentEvents = sent
	})
	defer b.Close()

	for i := 0; i < 4; i++ {
		_, err := b.Writer().WriteRecord(context.Background(), chunkOf(fmt.Sprintf("event-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, b.Writer().Flush())
	assert.Equal(t, int64(4), received.Value())
	assert.Greater(t, receivedBytes.Value(), int64(0))

	for i := 0; i < 4; i++ {
		_, batch, err := nextWithTimeout(t, b, 2*time.Second)
		require.NoError(t, err)
		batch.Delivered()
	}
	require.Eventually(t, func() bool {
		_, _, _ = nextWithTimeout(t, b, 20*time.Millisecond)
		return sent.Value() == 4
	}, 2*time.Second, 10*time.Millisecond)
}
