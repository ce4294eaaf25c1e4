package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ttlstore/internal/cache"
)

// DefaultPageSize is the page size of a CachingStore created with a
// non-positive page size.
const DefaultPageSize = 64 << 10

// maxParallelFills bounds the concurrent range reads of one ReadAt.
const maxParallelFills = 8

// CachingStore caches fixed-size pages of the blobs read through it. In
// front of a remote store, repeated reads of sorted-table blocks become
// memory hits. Writes and deletes pass through and drop the cached pages
// of the affected blob.
type CachingStore struct {
	inner    BlobStore
	pages    cache.BlockCache
	pageSize int64
}

// NewCachingStore wraps inner. Pages are kept in pages.
func NewCachingStore(inner BlobStore, pages cache.BlockCache, pageSize int64) *CachingStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &CachingStore{inner: inner, pages: pages, pageSize: pageSize}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachedBlob{Blob: b, store: s, name: name}, nil
}

func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	cache.InvalidateBlob(s.pages, name)
	return s.inner.Create(ctx, name)
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	cache.InvalidateBlob(s.pages, name)
	return s.inner.Put(ctx, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	cache.InvalidateBlob(s.pages, name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

type cachedBlob struct {
	Blob
	store *CachingStore
	name  string
}

// pageRun is a sequence of adjacent pages missing from the cache.
type pageRun struct {
	first, count int64
}

func (b *cachedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.Size()
	if off >= size {
		return 0, io.EOF
	}

	ps := b.store.pageSize
	end := min(off+int64(len(p)), size)
	first, last := off/ps, (end-1)/ps

	fetched, err := b.fill(ctx, first, last)
	if err != nil {
		return 0, err
	}

	n := 0
	for pg := first; pg <= last; pg++ {
		data, ok := fetched[pg]
		if !ok {
			if data, ok = b.store.pages.Get(ctx, cache.PageKey(b.name, pg)); !ok {
				pages, err := b.readRun(ctx, pageRun{first: pg, count: 1})
				if err != nil {
					return n, err
				}
				if len(pages) == 0 {
					break
				}
				data = pages[0]
			}
		}
		lo := max(off-pg*ps, 0)
		if lo >= int64(len(data)) {
			break
		}
		n += copy(p[n:], data[lo:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fill loads the missing pages in [first, last] with one read per run of
// adjacent pages. The returned map holds the pages it read, so a caller
// does not depend on them surviving in the cache.
func (b *cachedBlob) fill(ctx context.Context, first, last int64) (map[int64][]byte, error) {
	var runs []pageRun
	for pg := first; pg <= last; pg++ {
		if _, ok := b.store.pages.Get(ctx, cache.PageKey(b.name, pg)); ok {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].first+runs[n-1].count == pg {
			runs[n-1].count++
		} else {
			runs = append(runs, pageRun{first: pg, count: 1})
		}
	}
	if len(runs) == 0 {
		return nil, nil
	}

	results := make([][][]byte, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFills)
	for i, run := range runs {
		g.Go(func() error {
			pages, err := b.readRun(gctx, run)
			results[i] = pages
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fetched := make(map[int64][]byte)
	for i, run := range runs {
		for j, page := range results[i] {
			pg := run.first + int64(j)
			fetched[pg] = page
			b.store.pages.Set(ctx, cache.PageKey(b.name, pg), page)
		}
	}
	return fetched, nil
}

// readRun reads the pages of run from the underlying blob. The last page
// of a blob is short; pages past the end are omitted.
func (b *cachedBlob) readRun(ctx context.Context, run pageRun) ([][]byte, error) {
	ps := b.store.pageSize
	off := run.first * ps
	length := min(run.count*ps, b.Size()-off)
	if length <= 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	n, err := b.Blob.ReadAt(ctx, buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = buf[:n]

	pages := make([][]byte, 0, run.count)
	for len(buf) > 0 {
		k := min(ps, int64(len(buf)))
		page := buf[:k]
		if run.count > 1 {
			// A cached page must not pin the rest of the run.
			page = bytes.Clone(page)
		}
		pages = append(pages, page)
		buf = buf[k:]
	}
	return pages, nil
}

// ReadRange streams through the page cache.
func (b *cachedBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	return newSectionReader(ctx, b, off, length), nil
}
