package ttlstore

import (
	"log/slog"
	"time"

	"github.com/hupe1980/ttlstore/blobstore"
)

type options struct {
	logger        *Logger
	metrics       MetricsObserver
	now           func() time.Time
	blobStore     blobstore.BlobStore
	manifestStore blobstore.BlobStore
	remoteCache   int64

	compression         string
	memTableSize        int64
	targetFileSize      int64
	blockCacheSize      int64
	tableCacheSize      int
	compactionThreshold int
	maxBackgroundJobs   int64
	ioLimit             int64
	syncWrites          bool
	disableWAL          bool
	disableCompaction   bool
}

// Option configures a Store.
type Option func(*options)

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := ttlstore.NewJSONLogger(slog.LevelInfo)
//	st, _ := ttlstore.Open(ctx, "./data", ttlstore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsObserver configures a metrics observer.
//
//	metrics := &ttlstore.BasicMetricsObserver{}
//	st, _ := ttlstore.Open(ctx, dir, ttlstore.WithMetricsObserver(metrics))
//	// ... use st ...
//	fmt.Println(metrics.GetStats().ExpiredRemoved)
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock sets the time source for expirations, read-time checks and the
// compaction cutoff. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithBlobStore keeps sorted tables and manifests in store instead of the
// data directory. The write-ahead log always stays local.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobStore = store
	}
}

// WithRemoteStore is like WithBlobStore but puts a block cache of
// cacheBytes in front of store. Use it for S3 or MinIO.
func WithRemoteStore(store blobstore.BlobStore, cacheBytes int64) Option {
	return func(o *options) {
		o.blobStore = store
		o.remoteCache = cacheBytes
	}
}

// WithManifestStore stores manifests separately from tables, e.g. in an
// s3.DDBCommitStore for atomic commits on S3.
func WithManifestStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.manifestStore = store
	}
}

// WithCompression selects the block compression of new tables:
// "none", "snappy", "lz4" (default) or "zstd".
func WithCompression(name string) Option {
	return func(o *options) {
		o.compression = name
	}
}

// WithMemTableSize sets the size at which the memtable is flushed.
func WithMemTableSize(bytes int64) Option {
	return func(o *options) {
		o.memTableSize = bytes
	}
}

// WithTargetFileSize sets the size at which compaction output is split.
func WithTargetFileSize(bytes int64) Option {
	return func(o *options) {
		o.targetFileSize = bytes
	}
}

// WithBlockCacheSize sets the capacity of the decompressed block cache.
func WithBlockCacheSize(bytes int64) Option {
	return func(o *options) {
		o.blockCacheSize = bytes
	}
}

// WithTableCacheSize bounds the number of open table readers.
func WithTableCacheSize(n int) Option {
	return func(o *options) {
		o.tableCacheSize = n
	}
}

// WithCompactionThreshold sets the number of level-0 tables that triggers
// a compaction.
func WithCompactionThreshold(n int) Option {
	return func(o *options) {
		o.compactionThreshold = n
	}
}

// WithMaxBackgroundJobs bounds concurrent flushes and compactions.
func WithMaxBackgroundJobs(n int64) Option {
	return func(o *options) {
		o.maxBackgroundJobs = n
	}
}

// WithIOLimit caps the write rate of background jobs in bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithSyncWrites controls whether every write waits for fsync of the
// write-ahead log. Enabled by default.
func WithSyncWrites(sync bool) Option {
	return func(o *options) {
		o.syncWrites = sync
	}
}

// WithoutWAL disables the write-ahead log. Close flushes pending writes;
// a crash loses them.
func WithoutWAL() Option {
	return func(o *options) {
		o.disableWAL = true
	}
}

// WithoutBackgroundCompaction disables automatic compaction. Compact still
// works.
func WithoutBackgroundCompaction() Option {
	return func(o *options) {
		o.disableCompaction = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metrics:    NoopMetricsObserver{},
		logger:     NoopLogger(),
		now:        time.Now,
		syncWrites: true,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsObserver{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
