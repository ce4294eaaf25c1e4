package ttlstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/cacheitem"
	"github.com/hupe1980/ttlstore/internal/cache"
	"github.com/hupe1980/ttlstore/internal/lsm"
	"github.com/hupe1980/ttlstore/internal/resource"
	"github.com/hupe1980/ttlstore/internal/wal"
	"github.com/hupe1980/ttlstore/table"
	"github.com/hupe1980/ttlstore/ttlfilter"
)

// CacheColumnFamily is the column family holding the cache table. Its
// compaction filter removes expired rows.
const CacheColumnFamily = "cache"

type cacheTable = table.Table[*cacheitem.CacheRow, cacheitem.IndexKey]

// Store is a cache of values addressed by path with optional expiration.
//
// Expired entries are invisible to every read. They are physically removed
// when compaction rewrites them, or by DeleteExpired.
type Store struct {
	opts    options
	db      *lsm.DB
	cf      *lsm.ColumnFamily
	items   *cacheTable
	filter  *ttlfilter.Factory
	rcCache cache.BlockCache

	// mu makes the lookup and write of Set and Delete one step.
	mu     sync.Mutex
	closed atomic.Bool
}

// Open opens or creates a Store whose write-ahead log (and, by default,
// data files) live in dir.
func Open(ctx context.Context, dir string, optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)
	s := &Store{opts: o}

	s.filter = ttlfilter.NewFactory(
		ttlfilter.WithClock(o.now),
		ttlfilter.WithLogger(o.logger.Logger),
		ttlfilter.WithObserver(o.metrics),
	)

	lsmOpts, err := s.engineOptions()
	if err != nil {
		return nil, err
	}
	db, err := lsm.Open(ctx, dir, lsmOpts...)
	if err != nil {
		s.closeCache()
		return nil, translateError(err)
	}
	s.db = db
	if s.cf, err = db.ColumnFamily(CacheColumnFamily); err != nil {
		_ = db.Close()
		s.closeCache()
		return nil, err
	}
	s.items, err = table.Open(ctx, db, s.cf, cacheitem.Schema(),
		table.WithLogger(o.logger.Logger),
		table.WithClock(o.now),
	)
	if err != nil {
		_ = db.Close()
		s.closeCache()
		return nil, translateError(err)
	}
	o.logger.InfoContext(ctx, "store opened", "dir", dir)
	return s, nil
}

func (s *Store) engineOptions() ([]lsm.Option, error) {
	o := s.opts
	opts := []lsm.Option{
		lsm.WithLogger(o.logger.Logger),
		lsm.WithMetricsObserver(o.metrics),
		lsm.WithColumnFamily(CacheColumnFamily, s.filter),
	}
	if o.compression != "" {
		c, err := lsm.ParseCompression(o.compression)
		if err != nil {
			return nil, fmt.Errorf("ttlstore: %w", err)
		}
		opts = append(opts, lsm.WithCompression(c))
	}
	if o.blobStore != nil {
		store := o.blobStore
		if o.remoteCache > 0 {
			s.rcCache = cache.NewLRU(o.remoteCache, nil)
			store = blobstore.NewCachingStore(store, s.rcCache, 0)
		}
		opts = append(opts, lsm.WithBlobStore(store))
	}
	if o.manifestStore != nil {
		opts = append(opts, lsm.WithManifestStore(o.manifestStore))
	}
	if o.memTableSize > 0 {
		opts = append(opts, lsm.WithMemTableSize(o.memTableSize))
	}
	if o.targetFileSize > 0 {
		opts = append(opts, lsm.WithTargetFileSize(o.targetFileSize))
	}
	if o.blockCacheSize > 0 {
		opts = append(opts, lsm.WithBlockCacheSize(o.blockCacheSize))
	}
	if o.tableCacheSize > 0 {
		opts = append(opts, lsm.WithTableCacheSize(o.tableCacheSize))
	}
	if o.compactionThreshold > 0 {
		policy := lsm.NewLeveledCompactionPolicy()
		policy.L0Threshold = o.compactionThreshold
		opts = append(opts, lsm.WithCompactionPolicy(policy))
	}
	if o.maxBackgroundJobs > 0 || o.ioLimit > 0 {
		opts = append(opts, lsm.WithResourceController(resource.NewController(resource.Config{
			MaxBackgroundJobs:  o.maxBackgroundJobs,
			IOLimitBytesPerSec: o.ioLimit,
		})))
	}
	if !o.syncWrites {
		opts = append(opts, lsm.WithDurability(wal.DurabilityAsync))
	}
	if o.disableWAL {
		opts = append(opts, lsm.WithoutWAL())
	}
	if o.disableCompaction {
		opts = append(opts, lsm.WithoutBackgroundCompaction())
	}
	return opts, nil
}

func (s *Store) closeCache() {
	if s.rcCache != nil {
		_ = s.rcCache.Close()
	}
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Set stores value at path. A nil ttl never expires. A live entry at the
// same path is replaced and its expiration reset.
func (s *Store) Set(ctx context.Context, path string, ttl *time.Duration, value []byte) (err error) {
	start := time.Now()
	defer func() {
		s.opts.metrics.OnSet(time.Since(start), err)
		s.opts.logger.LogSet(ctx, path, ttl, len(value), err)
	}()
	if err := s.check(); err != nil {
		return err
	}
	if path == "" {
		return ErrInvalidPath
	}
	row := cacheitem.NewAt(path, ttl, value, s.opts.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.items.GetSingleByIndex(ctx, cacheitem.IndexByPath, cacheitem.ByPath(path))
	switch {
	case err == nil:
		_, err = s.items.Update(ctx, existing.ID, row)
		if !errors.Is(err, table.ErrNotFound) {
			break
		}
		// Expired between lookup and update; Insert reclaims it.
		fallthrough
	case errors.Is(err, table.ErrNotFound):
		_, err = s.items.Insert(ctx, row)
	}
	return translateError(err)
}

// Get returns the live entry at path.
func (s *Store) Get(ctx context.Context, path string) (row *cacheitem.CacheRow, err error) {
	start := time.Now()
	defer func() {
		hit := err == nil
		var opErr error
		if err != nil && !errors.Is(err, ErrNotFound) {
			opErr = err
		}
		s.opts.metrics.OnGet(time.Since(start), hit, opErr)
		s.opts.logger.LogGet(ctx, path, hit, opErr)
	}()
	if err := s.check(); err != nil {
		return nil, err
	}
	r, err := s.items.GetSingleByIndex(ctx, cacheitem.IndexByPath, cacheitem.ByPath(path))
	if err != nil {
		return nil, translateError(err)
	}
	return r.Row, nil
}

// Delete removes the entry at path.
func (s *Store) Delete(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() {
		s.opts.metrics.OnDelete(time.Since(start), err)
		s.opts.logger.LogDelete(ctx, path, err)
	}()
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.items.GetSingleByIndex(ctx, cacheitem.IndexByPath, cacheitem.ByPath(path))
	if err != nil {
		return translateError(err)
	}
	_, err = s.items.Delete(ctx, r.ID)
	return translateError(err)
}

// Keys returns the live entries whose prefix equals prefix, in insertion
// order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]*cacheitem.CacheRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.items.GetByIndex(ctx, cacheitem.IndexByPrefix, cacheitem.ByPrefix(prefix))
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]*cacheitem.CacheRow, len(rows))
	for i, r := range rows {
		out[i] = r.Row
	}
	return out, nil
}

// All yields every live entry in insertion order.
func (s *Store) All(ctx context.Context) iter.Seq2[*cacheitem.CacheRow, error] {
	return func(yield func(*cacheitem.CacheRow, error) bool) {
		if err := s.check(); err != nil {
			yield(nil, err)
			return
		}
		for r, err := range s.items.Scan(ctx) {
			if !yield(r.Row, translateError(err)) || err != nil {
				return
			}
		}
	}
}

// Truncate removes every entry and returns how many there were.
func (s *Store) Truncate(ctx context.Context) (n int, err error) {
	defer func() { s.opts.logger.LogTruncate(ctx, n, err) }()
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err = s.items.Truncate(ctx)
	return n, translateError(err)
}

// DeleteExpired removes expired entries without waiting for compaction.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.items.DeleteExpired(ctx)
	return n, translateError(err)
}

// RepairIndexes removes index entries left behind by rows that compaction
// dropped.
func (s *Store) RepairIndexes(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.items.RepairIndexes(ctx)
	return n, translateError(err)
}

// Flush writes buffered entries to sorted tables.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return translateError(s.db.Flush(ctx))
}

// Compact flushes and compacts the cache into a single level, removing
// every entry that has expired by now.
func (s *Store) Compact(ctx context.Context) (err error) {
	if err := s.check(); err != nil {
		return err
	}
	start := time.Now()
	before := s.filter.Totals()
	defer func() {
		after := s.filter.Totals()
		s.opts.logger.LogCompaction(ctx, time.Since(start),
			after.Removed-before.Removed, after.Orphaned-before.Orphaned, err)
	}()
	return translateError(s.db.CompactRange(ctx, s.cf))
}

// Close stops background work and closes the engine. Entries not yet in
// a sorted table are recovered from the write-ahead log on the next Open.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := s.db.Close()
	s.closeCache()
	return translateError(err)
}
