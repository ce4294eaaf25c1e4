package lsm

import (
	"log/slog"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/fs"
	"github.com/hupe1980/ttlstore/internal/resource"
	"github.com/hupe1980/ttlstore/internal/wal"
)

const (
	defaultMemTableSize    = 16 << 20
	defaultTargetFileSize  = 8 << 20
	defaultBlockCacheSize  = 64 << 20
	defaultMaxImmutables   = 2
	defaultManifestHistory = 2
)

// Option defines a configuration option for the DB.
type Option func(*DB)

// WithLogger sets the logger for the DB.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.log = l
		}
	}
}

// WithBlobStore sets where sorted tables are stored. Defaults to the
// local directory passed to Open.
func WithBlobStore(st blobstore.BlobStore) Option {
	return func(db *DB) {
		if st != nil {
			db.store = st
		}
	}
}

// WithManifestStore sets where manifests are stored. Defaults to the
// table blob store.
func WithManifestStore(st blobstore.BlobStore) Option {
	return func(db *DB) {
		if st != nil {
			db.manifestBlobs = st
		}
	}
}

// WithFileSystem sets the file system used for the write-ahead log.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(db *DB) {
		if fsys != nil {
			db.fs = fsys
		}
	}
}

// WithColumnFamily registers a column family. A non-nil factory installs
// a compaction filter on it.
func WithColumnFamily(name string, factory CompactionFilterFactory) Option {
	return func(db *DB) {
		db.cfOpts = append(db.cfOpts, cfOption{name: name, factory: factory})
	}
}

// WithCompactionPolicy sets the compaction policy used by the background loop.
// If unset, the DB uses a leveled policy.
func WithCompactionPolicy(policy CompactionPolicy) Option {
	return func(db *DB) {
		if policy != nil {
			db.policy = policy
		}
	}
}

// WithMemTableSize sets the memtable size that triggers a flush.
func WithMemTableSize(bytes int64) Option {
	return func(db *DB) {
		if bytes > 0 {
			db.memTableSize = bytes
		}
	}
}

// WithTargetFileSize sets the size at which compaction output is split.
func WithTargetFileSize(bytes int64) Option {
	return func(db *DB) {
		if bytes > 0 {
			db.targetFileSize = bytes
		}
	}
}

// WithBlockSize sets the uncompressed data block size of sorted tables.
func WithBlockSize(bytes int) Option {
	return func(db *DB) {
		if bytes > 0 {
			db.blockSize = bytes
		}
	}
}

// WithCompression sets the block compression for new tables.
func WithCompression(c Compression) Option {
	return func(db *DB) {
		db.compression = c
	}
}

// WithBlockCacheSize sets the capacity of the decompressed block cache.
// 0 disables the cache.
func WithBlockCacheSize(bytes int64) Option {
	return func(db *DB) {
		db.blockCacheSize = bytes
	}
}

// WithTableCacheSize bounds the number of open table readers.
func WithTableCacheSize(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.tableCacheSize = n
		}
	}
}

// WithResourceController sets the resource controller for background jobs.
func WithResourceController(rc *resource.Controller) Option {
	return func(db *DB) {
		db.rc = rc
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(db *DB) {
		if observer != nil {
			db.metrics = observer
		}
	}
}

// WithDurability sets the write-ahead log sync mode.
func WithDurability(d wal.Durability) Option {
	return func(db *DB) {
		db.walOpts.Durability = d
	}
}

// WithoutWAL disables the write-ahead log. Close flushes the memtables;
// unflushed writes are lost on a crash.
func WithoutWAL() Option {
	return func(db *DB) {
		db.disableWAL = true
	}
}

// WithoutBackgroundCompaction disables automatic compaction; CompactRange
// still works.
func WithoutBackgroundCompaction() Option {
	return func(db *DB) {
		db.disableAutoCompaction = true
	}
}
