package lsm

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/cache"
)

type testEntry struct {
	key   string
	seq   uint64
	kind  Kind
	value string
}

func writeTestTable(t *testing.T, store blobstore.BlobStore, fileNum uint64, c Compression, entries []testEntry) tableMeta {
	t.Helper()
	ctx := context.Background()
	blob, err := store.Create(ctx, tableFileName(fileNum))
	require.NoError(t, err)
	w := newTableWriter(blob, 256, c)
	for _, e := range entries {
		require.NoError(t, w.add(makeInternalKey(nil, []byte(e.key), e.seq, e.kind), []byte(e.value)))
	}
	meta, err := w.finish()
	require.NoError(t, err)
	require.NoError(t, blob.Close())
	return meta
}

func sequentialEntries(n int) []testEntry {
	entries := make([]testEntry, n)
	for i := range entries {
		entries[i] = testEntry{key: fmt.Sprintf("key%05d", i), seq: uint64(i + 1), kind: KindSet, value: fmt.Sprintf("value-%d", i)}
	}
	return entries
}

func TestTableRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			ctx := context.Background()
			store := blobstore.NewMemoryStore()
			entries := sequentialEntries(500)
			meta := writeTestTable(t, store, 1, c, entries)
			assert.Equal(t, uint64(500), meta.entries)
			assert.Equal(t, "key00000", string(userKey(meta.smallest)))
			assert.Equal(t, "key00499", string(userKey(meta.largest)))
			assert.Equal(t, uint64(1), meta.smallestSeq)
			assert.Equal(t, uint64(500), meta.largestSeq)

			blob, err := store.Open(ctx, tableFileName(1))
			require.NoError(t, err)
			r, err := openTable(ctx, blob, 1, nil)
			require.NoError(t, err)
			defer r.close()
			assert.Greater(t, len(r.index), 1)

			it := r.newIter(ctx, nil)
			i := 0
			for ok := it.First(); ok; ok = it.Next() {
				assert.Equal(t, entries[i].key, string(userKey(it.Key())))
				assert.Equal(t, entries[i].value, string(it.Value()))
				i++
			}
			require.NoError(t, it.Error())
			assert.Equal(t, len(entries), i)

			require.True(t, it.SeekGE(seekKey([]byte("key00250x"), MaxSeq)))
			assert.Equal(t, "key00251", string(userKey(it.Key())))
			assert.False(t, it.SeekGE(seekKey([]byte("key99999"), MaxSeq)))

			v, kind, found, err := r.get(ctx, []byte("key00042"), MaxSeq)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, KindSet, kind)
			assert.Equal(t, "value-42", string(v))

			_, _, found, err = r.get(ctx, []byte("key00042"), 10)
			require.NoError(t, err)
			assert.False(t, found, "version is newer than the read sequence")

			_, _, found, err = r.get(ctx, []byte("missing"), MaxSeq)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestTableVersionsAndTombstones(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	writeTestTable(t, store, 7, CompressionLZ4, []testEntry{
		{key: "a", seq: 9, kind: KindDelete},
		{key: "a", seq: 4, kind: KindSet, value: "old"},
		{key: "b", seq: 5, kind: KindSet, value: "b"},
	})
	blob, err := store.Open(ctx, tableFileName(7))
	require.NoError(t, err)
	r, err := openTable(ctx, blob, 7, nil)
	require.NoError(t, err)
	defer r.close()

	_, kind, found, err := r.get(ctx, []byte("a"), MaxSeq)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, KindDelete, kind)

	v, kind, found, err := r.get(ctx, []byte("a"), 8)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, KindSet, kind)
	assert.Equal(t, "old", string(v))
}

func TestTableWriterRejectsUnordered(t *testing.T) {
	w := newTableWriter(&bytes.Buffer{}, 0, CompressionNone)
	require.NoError(t, w.add(makeInternalKey(nil, []byte("b"), 1, KindSet), nil))
	assert.ErrorIs(t, w.add(makeInternalKey(nil, []byte("a"), 2, KindSet), nil), ErrInvalidArgument)
	_, err := w.finish()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTableCorruption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	writeTestTable(t, store, 1, CompressionNone, sequentialEntries(100))
	data, err := blobstore.ReadAll(ctx, store, tableFileName(1))
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[len(bad)-1] ^= 0xff
		require.NoError(t, store.Put(ctx, "bad.sst", bad))
		blob, err := store.Open(ctx, "bad.sst")
		require.NoError(t, err)
		_, err = openTable(ctx, blob, 2, nil)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("too small", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "tiny.sst", data[:10]))
		blob, err := store.Open(ctx, "tiny.sst")
		require.NoError(t, err)
		_, err = openTable(ctx, blob, 3, nil)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("data block checksum", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[compressHeaderSize+2] ^= 0xff
		require.NoError(t, store.Put(ctx, "flip.sst", bad))
		blob, err := store.Open(ctx, "flip.sst")
		require.NoError(t, err)
		r, err := openTable(ctx, blob, 4, nil)
		require.NoError(t, err)
		defer r.close()

		it := r.newIter(ctx, nil)
		assert.False(t, it.First())
		assert.ErrorIs(t, it.Error(), ErrCorrupt)
	})
}

func TestTableBlockCache(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	writeTestTable(t, store, 1, CompressionSnappy, sequentialEntries(200))

	bc := cache.NewLRU(1<<20, nil)
	blob, err := store.Open(ctx, tableFileName(1))
	require.NoError(t, err)
	r, err := openTable(ctx, blob, 1, bc)
	require.NoError(t, err)
	defer r.close()

	for i := 0; i < 2; i++ {
		_, _, found, err := r.get(ctx, []byte("key00100"), MaxSeq)
		require.NoError(t, err)
		require.True(t, found)
	}
	hits, _ := bc.Stats()
	assert.Positive(t, hits)

	cache.InvalidateFile(bc, 1)
	assert.Zero(t, bc.Len())
}
