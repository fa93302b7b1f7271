package buffer

import (
	"expvar"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexusbuffer/core"
	"github.com/INLOpen/nexusbuffer/hooks"
	"github.com/INLOpen/nexusbuffer/sys"
)

const (
	// DefaultMaxDataFileSize is the default maximum size of a single data
	// file before the writer rolls over.
	DefaultMaxDataFileSize = 128 * 1024 * 1024 // 128 MB

	// DefaultMaxRecordSize is the default maximum size of a single encoded
	// record, including its header.
	DefaultMaxRecordSize = 8 * 1024 * 1024 // 8 MB

	// DefaultWriteBufferSize is the default size of the writer's in-memory
	// write buffer.
	DefaultWriteBufferSize = 256 * 1024 // 256 KB

	// DefaultFlushInterval is the default upper bound on time between
	// durable flushes of the data files and ledger.
	DefaultFlushInterval = 500 * time.Millisecond
)

// Options configures a Buffer.
type Options struct {
	// DataDir is the directory holding the buffer's ledger, lock file, and
	// data files.
	DataDir string `yaml:"data_dir"`

	// MaxBufferSize caps the total bytes of unread records across all data
	// files. Writes block once it is reached. Zero means unlimited.
	MaxBufferSize uint64 `yaml:"max_buffer_size_bytes"`

	// MaxDataFileSize caps the size of a single data file. Once a write
	// would push past it, the writer rolls to the next data file.
	MaxDataFileSize uint64 `yaml:"max_data_file_size_bytes"`

	// MaxRecordSize caps the size of a single encoded record, including
	// the record header.
	MaxRecordSize uint64 `yaml:"max_record_size_bytes"`

	// WriteBufferSize is the size of the in-memory write buffer in front
	// of the current data file.
	WriteBufferSize int `yaml:"write_buffer_size_bytes"`

	// FlushInterval bounds how long flushed-but-not-synced data may sit in
	// the page cache before being fsynced.
	FlushInterval time.Duration `yaml:"-"`

	Logger      *slog.Logger   `yaml:"-"`
	Filesystem  sys.Filesystem `yaml:"-"`
	HookManager hooks.Manager  `yaml:"-"`

	// MetricsRegistry optionally registers prometheus collectors for the
	// buffer. Nil disables prometheus metrics.
	MetricsRegistry prometheus.Registerer `yaml:"-"`

	// Optional expvar counters, incremented as the buffer operates. Nil
	// counters are ignored.
	ReceivedEvents   *expvar.Int `yaml:"-"`
	ReceivedBytes    *expvar.Int `yaml:"-"`
	SentEvents       *expvar.Int `yaml:"-"`
	SentBytes        *expvar.Int `yaml:"-"`
	DroppedEvents    *expvar.Int `yaml:"-"`
	CorruptedRecords *expvar.Int `yaml:"-"`
	DataFilesDeleted *expvar.Int `yaml:"-"`
}

// fileOptions mirrors Options for YAML, with durations as strings.
type fileOptions struct {
	DataDir         string `yaml:"data_dir"`
	MaxBufferSize   uint64 `yaml:"max_buffer_size_bytes"`
	MaxDataFileSize uint64 `yaml:"max_data_file_size_bytes"`
	MaxRecordSize   uint64 `yaml:"max_record_size_bytes"`
	WriteBufferSize int    `yaml:"write_buffer_size_bytes"`
	FlushInterval   string `yaml:"flush_interval"`
}

// LoadOptions reads buffer options from a YAML file.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fo fileOptions
	if err := yaml.Unmarshal(raw, &fo); err != nil {
		return Options{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	opts := Options{
		DataDir:         fo.DataDir,
		MaxBufferSize:   fo.MaxBufferSize,
		MaxDataFileSize: fo.MaxDataFileSize,
		MaxRecordSize:   fo.MaxRecordSize,
		WriteBufferSize: fo.WriteBufferSize,
	}
	if fo.FlushInterval != "" {
		interval, err := time.ParseDuration(fo.FlushInterval)
		if err != nil {
			return Options{}, fmt.Errorf("invalid flush_interval %q: %w", fo.FlushInterval, err)
		}
		opts.FlushInterval = interval
	}
	return opts, nil
}

// withDefaults fills in defaults and validates the combination of limits.
func (o Options) withDefaults() (Options, error) {
	if o.DataDir == "" {
		return o, fmt.Errorf("data_dir must be set")
	}
	if o.MaxDataFileSize == 0 {
		o.MaxDataFileSize = DefaultMaxDataFileSize
	}
	if o.MaxRecordSize == 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = DefaultWriteBufferSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxBufferSize == 0 {
		o.MaxBufferSize = math.MaxUint64
	}

	if o.MaxRecordSize <= core.RecordHeaderLen {
		return o, fmt.Errorf("max_record_size_bytes must be larger than the record header (%d bytes)", core.RecordHeaderLen)
	}
	if o.MaxDataFileSize < o.MaxRecordSize {
		return o, fmt.Errorf("max_data_file_size_bytes must be able to hold at least one maximum-size record")
	}
	if o.MaxBufferSize < o.MaxDataFileSize {
		return o, fmt.Errorf("max_buffer_size_bytes must be at least max_data_file_size_bytes")
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Filesystem == nil {
		o.Filesystem = sys.OSFilesystem{}
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewManager(o.Logger)
	}
	return o, nil
}
