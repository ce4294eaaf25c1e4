package lsm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/cache"
)

const defaultTableCacheSize = 256

type tableHandle struct {
	r    *tableReader
	refs atomic.Int32
	log  *slog.Logger
}

func (h *tableHandle) ref() { h.refs.Add(1) }

func (h *tableHandle) unref() {
	if h.refs.Add(-1) == 0 {
		if err := h.r.close(); err != nil {
			h.log.Warn("close table", "file", h.r.fileNum, "error", err)
		}
	}
}

// tableCache keeps a bounded set of open table readers. The cache holds
// one reference on every resident handle; readers are closed when the
// last reference is dropped, so eviction never closes a table that is
// still being read.
type tableCache struct {
	store  blobstore.BlobStore
	blocks cache.BlockCache
	log    *slog.Logger

	mu  sync.Mutex
	lru *lru.Cache
}

func newTableCache(store blobstore.BlobStore, blocks cache.BlockCache, size int, log *slog.Logger) (*tableCache, error) {
	if size <= 0 {
		size = defaultTableCacheSize
	}
	tc := &tableCache{store: store, blocks: blocks, log: log}
	c, err := lru.NewWithEvict(size, func(_ interface{}, v interface{}) {
		v.(*tableHandle).unref()
	})
	if err != nil {
		return nil, err
	}
	tc.lru = c
	return tc, nil
}

// acquire returns an open reader for fileNum and a release func that must
// be called when the caller is done with it.
func (tc *tableCache) acquire(ctx context.Context, fileNum uint64) (*tableReader, func(), error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if v, ok := tc.lru.Get(fileNum); ok {
		h := v.(*tableHandle)
		h.ref()
		return h.r, h.unref, nil
	}

	blob, err := tc.store.Open(ctx, tableFileName(fileNum))
	if err != nil {
		return nil, nil, err
	}
	r, err := openTable(ctx, blob, fileNum, tc.blocks)
	if err != nil {
		_ = blob.Close()
		return nil, nil, err
	}
	h := &tableHandle{r: r, log: tc.log}
	h.refs.Store(2) // cache + caller
	tc.lru.Add(fileNum, h)
	return r, h.unref, nil
}

func (tc *tableCache) get(ctx context.Context, fileNum uint64, ukey []byte, seq uint64) ([]byte, Kind, bool, error) {
	r, release, err := tc.acquire(ctx, fileNum)
	if err != nil {
		return nil, 0, false, err
	}
	defer release()
	v, kind, found, err := r.get(ctx, ukey, seq)
	if found {
		// The block may be unmapped once the reader is released.
		v = append([]byte(nil), v...)
	}
	return v, kind, found, err
}

func (tc *tableCache) newIter(ctx context.Context, fileNum uint64) (internalIterator, error) {
	r, release, err := tc.acquire(ctx, fileNum)
	if err != nil {
		return nil, err
	}
	return r.newIter(ctx, release), nil
}

// evict drops fileNum from the cache and its cached blocks.
func (tc *tableCache) evict(fileNum uint64) {
	tc.mu.Lock()
	tc.lru.Remove(fileNum)
	tc.mu.Unlock()
	cache.InvalidateFile(tc.blocks, fileNum)
}

func (tc *tableCache) len() int { return tc.lru.Len() }

func (tc *tableCache) close() {
	tc.mu.Lock()
	tc.lru.Purge()
	tc.mu.Unlock()
}
