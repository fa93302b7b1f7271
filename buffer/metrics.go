package buffer

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/INLOpen/nexusbuffer/ledger"
)

// usageTracker fans buffer activity out to the optional expvar counters and
// prometheus collectors. All methods are nil-safe on both fronts.
type usageTracker struct {
	opts *Options

	receivedEventsTotal   prometheus.Counter
	receivedBytesTotal    prometheus.Counter
	sentEventsTotal       prometheus.Counter
	sentBytesTotal        prometheus.Counter
	droppedEventsTotal    prometheus.Counter
	corruptedRecordsTotal prometheus.Counter
	dataFilesDeletedTotal prometheus.Counter
}

func newUsageTracker(opts *Options, l *ledger.Ledger) (*usageTracker, error) {
	u := &usageTracker{opts: opts}
	if opts.MetricsRegistry == nil {
		return u, nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbuffer",
			Name:      name,
			Help:      help,
		})
	}
	u.receivedEventsTotal = counter("received_events_total", "Number of events written into the buffer.")
	u.receivedBytesTotal = counter("received_bytes_total", "Number of record bytes written into the buffer.")
	u.sentEventsTotal = counter("sent_events_total", "Number of events read from the buffer and acknowledged.")
	u.sentBytesTotal = counter("sent_bytes_total", "Number of record bytes read from the buffer and acknowledged.")
	u.droppedEventsTotal = counter("dropped_events_total", "Number of events lost to corrupted or undecodable records.")
	u.corruptedRecordsTotal = counter("corrupted_records_total", "Number of corrupted records encountered while reading.")
	u.dataFilesDeletedTotal = counter("data_files_deleted_total", "Number of fully processed data files deleted.")

	bufferSize := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "nexusbuffer",
		Name:      "buffer_size_bytes",
		Help:      "Total size of unread records across all data files.",
	}, func() float64 {
		return float64(l.GetTotalBufferSize())
	})
	bufferEvents := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "nexusbuffer",
		Name:      "buffer_events",
		Help:      "Number of events written but not yet fully processed.",
	}, func() float64 {
		return float64(l.GetTotalRecords())
	})

	collectors := []prometheus.Collector{
		u.receivedEventsTotal, u.receivedBytesTotal,
		u.sentEventsTotal, u.sentBytesTotal,
		u.droppedEventsTotal, u.corruptedRecordsTotal, u.dataFilesDeletedTotal,
		bufferSize, bufferEvents,
	}
	for _, c := range collectors {
		if err := opts.MetricsRegistry.Register(c); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func addExpvar(v *expvar.Int, delta int64) {
	if v != nil {
		v.Add(delta)
	}
}

func addCounter(c prometheus.Counter, delta float64) {
	if c != nil {
		c.Add(delta)
	}
}

func (u *usageTracker) trackWrite(events, bytes uint64) {
	addExpvar(u.opts.ReceivedEvents, int64(events))
	addExpvar(u.opts.ReceivedBytes, int64(bytes))
	addCounter(u.receivedEventsTotal, float64(events))
	addCounter(u.receivedBytesTotal, float64(bytes))
}

func (u *usageTracker) trackSent(events, bytes uint64) {
	addExpvar(u.opts.SentEvents, int64(events))
	addExpvar(u.opts.SentBytes, int64(bytes))
	addCounter(u.sentEventsTotal, float64(events))
	addCounter(u.sentBytesTotal, float64(bytes))
}

func (u *usageTracker) trackDropped(events uint64) {
	addExpvar(u.opts.DroppedEvents, int64(events))
	addCounter(u.droppedEventsTotal, float64(events))
}

func (u *usageTracker) trackCorrupted() {
	addExpvar(u.opts.CorruptedRecords, 1)
	addCounter(u.corruptedRecordsTotal, 1)
}

func (u *usageTracker) trackFileDeleted() {
	addExpvar(u.opts.DataFilesDeleted, 1)
	addCounter(u.dataFilesDeletedTotal, 1)
}
