package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/internal/cache"
)

// countingStore counts the reads that reach the wrapped store.
type countingStore struct {
	BlobStore
	reads     atomic.Int64
	readBytes atomic.Int64
}

type countingBlob struct {
	Blob
	s *countingStore
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.BlobStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, s: s}, nil
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := b.Blob.ReadAt(ctx, p, off)
	b.s.reads.Add(1)
	b.s.readBytes.Add(int64(n))
	return n, err
}

func newCountingStore(t *testing.T, name string, data []byte) *countingStore {
	t.Helper()
	s := &countingStore{BlobStore: NewMemoryStore()}
	require.NoError(t, s.Put(context.Background(), name, data))
	return s
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestCachingStoreReadAt(t *testing.T) {
	ctx := context.Background()
	data := pattern(1024)
	inner := newCountingStore(t, "000001.sst", data)
	pages := cache.NewLRU(1<<20, nil)
	store := NewCachingStore(inner, pages, 256)

	blob, err := store.Open(ctx, "000001.sst")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[:100], buf)
	assert.Equal(t, int64(1), inner.reads.Load())
	assert.Equal(t, int64(256), inner.readBytes.Load())

	_, err = blob.ReadAt(ctx, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, data[10:110], buf)
	assert.Equal(t, int64(1), inner.reads.Load(), "served from the cache")

	// Spans page 0 (cached) and page 1 (missing).
	n, err = blob.ReadAt(ctx, buf, 200)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[200:300], buf)
	assert.Equal(t, int64(2), inner.reads.Load())
	assert.Equal(t, int64(512), inner.readBytes.Load())

	hits, misses := pages.Stats()
	assert.Positive(t, hits)
	assert.Positive(t, misses)
}

func TestCachingStoreCoalescesRuns(t *testing.T) {
	ctx := context.Background()
	data := pattern(4096)
	inner := newCountingStore(t, "big", data)
	store := NewCachingStore(inner, cache.NewLRU(1<<20, nil), 256)

	blob, err := store.Open(ctx, "big")
	require.NoError(t, err)

	// Warm pages 4 and 5 so the full read has two missing runs.
	_, err = blob.ReadAt(ctx, make([]byte, 512), 1024)
	require.NoError(t, err)
	require.Equal(t, int64(1), inner.reads.Load())

	buf := make([]byte, 4096)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, data, buf)
	assert.Equal(t, int64(3), inner.reads.Load())
}

func TestCachingStoreUncachedPages(t *testing.T) {
	ctx := context.Background()
	data := pattern(1000)
	inner := newCountingStore(t, "t", data)
	// Too small to hold a single page: every read goes to the inner store.
	store := NewCachingStore(inner, cache.NewLRU(10, nil), 256)

	blob, err := store.Open(ctx, "t")
	require.NoError(t, err)
	buf := make([]byte, 600)
	n, err := blob.ReadAt(ctx, buf, 300)
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	assert.Equal(t, data[300:900], buf)
}

func TestCachingStoreShortBlob(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore(t, "small", []byte("hello"))
	store := NewCachingStore(inner, cache.NewLRU(1024, nil), 256)

	blob, err := store.Open(ctx, "small")
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = blob.ReadAt(ctx, buf, 5)
	assert.ErrorIs(t, err, io.EOF)

	r, err := blob.ReadRange(ctx, 1, 10)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ello", string(content))

	_, err = store.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachingStoreWritesInvalidate(t *testing.T) {
	ctx := context.Background()
	pages := cache.NewLRU(1<<20, nil)
	store := NewCachingStore(NewMemoryStore(), pages, 16)

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000001")))
	got, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001", string(got))
	assert.Positive(t, pages.Len())

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000002")))
	got, err = ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000002", string(got))

	w, err := store.Create(ctx, "000002.sst")
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("x"), 40))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = ReadAll(ctx, store, "000002.sst")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "000002.sst"))
	require.NoError(t, store.Delete(ctx, "CURRENT"))
	assert.Zero(t, pages.Len())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
