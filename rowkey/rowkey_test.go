package rowkey

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  RowKey
	}{
		{"table", RowKey{Kind: KindTable, TableID: TableCacheItems, RowID: 42}},
		{"sequence", RowKey{Kind: KindSequence, TableID: TableCacheItems}},
		{"index", RowKey{Kind: KindSecondaryIndex, IndexID: IndexCacheItemsByPath, Key: []byte("users:alice"), RowID: 7}},
		{"index empty key", RowKey{Kind: KindSecondaryIndex, IndexID: IndexCacheItemsByPrefix, Key: []byte{}, RowID: 1}},
		{"index info", RowKey{Kind: KindSecondaryIndexInfo, IndexID: IndexCacheItemsByPrefix}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.key.Encode())
			require.NoError(t, err)
			assert.True(t, tt.key.Equal(got), "want %s, got %s", tt.key, got)
		})
	}
}

func TestLayout(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 1, 0}, Table(1, 256))
	assert.Equal(t, []byte{0x02, 0, 0, 0, 9}, Sequence(9))
	assert.Equal(t, []byte{0x04, 0, 0, 0, 2}, SecondaryIndexInfo(2))
	assert.Equal(t, []byte{0x03, 0, 0, 0, 1, 'a', 0, 0, 0, 0, 0, 0, 0, 3}, SecondaryIndex(1, []byte("a"), 3))
}

func TestDecodeInvalid(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0x00},
		{0x05, 0, 0, 0, 1},
		{0x01, 0, 0, 0, 1},
		{0x02, 0, 0, 0},
		{0x03, 0, 0, 0, 1, 0, 0, 0},
		{0x04, 0, 0, 0, 1, 0},
	} {
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %x", b)
	}
}

func TestOrderingMatchesIDs(t *testing.T) {
	keys := [][]byte{
		Table(2, 1),
		Table(1, 300),
		Table(1, 2),
		Table(1, 1<<40),
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	var got []RowID
	for _, k := range keys {
		rk, err := Decode(k)
		require.NoError(t, err)
		got = append(got, rk.RowID)
	}
	assert.Equal(t, []RowID{2, 300, 1 << 40, 1}, got)
}

func TestSecondaryIndexPrefixScan(t *testing.T) {
	entry := SecondaryIndex(IndexCacheItemsByPrefix, []byte("users"), 11)
	assert.True(t, bytes.HasPrefix(entry, SecondaryIndexPrefix(IndexCacheItemsByPrefix, []byte("users"))))
	assert.False(t, bytes.HasPrefix(entry, SecondaryIndexPrefix(IndexCacheItemsByPath, []byte("users"))))

	// A longer key shares the scan prefix; the decoded key tells them apart.
	longer := SecondaryIndex(IndexCacheItemsByPrefix, []byte("users2"), 12)
	assert.True(t, bytes.HasPrefix(longer, SecondaryIndexPrefix(IndexCacheItemsByPrefix, []byte("users"))))
	rk, err := Decode(longer)
	require.NoError(t, err)
	assert.Equal(t, []byte("users2"), rk.Key)
	assert.Equal(t, RowID(12), rk.RowID)
}

func TestHasTTL(t *testing.T) {
	assert.True(t, TableCacheItems.HasTTL())
	assert.False(t, TableID(99).HasTTL())
	assert.Equal(t, "cache_items", TableCacheItems.String())
	assert.Equal(t, "table_99", TableID(99).String())
}

func TestSecondaryIndexPrefixKeysInterleave(t *testing.T) {
	// Row ids whose high byte exceeds the next key byte sort after entries
	// of the longer key; decoding still separates them.
	short := SecondaryIndex(IndexCacheItemsByPrefix, []byte("a"), RowID(0x63)<<56)
	long := SecondaryIndex(IndexCacheItemsByPrefix, []byte("ab"), 1)
	assert.Positive(t, bytes.Compare(short, long))

	rs, err := Decode(short)
	require.NoError(t, err)
	rl, err := Decode(long)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), rs.Key)
	assert.Equal(t, RowID(0x63)<<56, rs.RowID)
	assert.Equal(t, []byte("ab"), rl.Key)
	assert.Equal(t, RowID(1), rl.RowID)
}
