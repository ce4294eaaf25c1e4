package lsm

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/cache"
)

func TestTableCacheEvictionKeepsHeldReaders(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	for n := uint64(1); n <= 3; n++ {
		writeTestTable(t, store, n, CompressionSnappy, sequentialEntries(20))
	}
	tc, err := newTableCache(store, cache.NewLRU(1<<20, nil), 2, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer tc.close()

	held, err := tc.newIter(ctx, 1)
	require.NoError(t, err)
	defer held.Close()

	for n := uint64(2); n <= 3; n++ {
		v, kind, found, err := tc.get(ctx, n, []byte("key00003"), MaxSeq)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, KindSet, kind)
		assert.Equal(t, "value-3", string(v))
	}
	assert.Equal(t, 2, tc.len())

	// Table 1 was evicted from the cache but the iterator still reads it.
	count := 0
	for held.First(); held.Valid(); held.Next() {
		count++
	}
	require.NoError(t, held.Error())
	assert.Equal(t, 20, count)
}

func TestTableCacheEvictAndMissing(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	writeTestTable(t, store, 7, CompressionNone, sequentialEntries(5))
	tc, err := newTableCache(store, nil, 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer tc.close()

	_, _, found, err := tc.get(ctx, 7, []byte("missing"), MaxSeq)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, tc.len())

	tc.evict(7)
	assert.Equal(t, 0, tc.len())

	_, _, _, err = tc.get(ctx, 8, []byte("key00000"), MaxSeq)
	assert.Error(t, err)
}
