package cacheitem

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/ttlstore/rowkey"
)

func TestIndexes(t *testing.T) {
	r := New("users:alice", nil, nil)

	assert.Equal(t, ByPath("users:alice"), IndexByPath.KeyOf(r))
	assert.Equal(t, []byte("users:alice"), IndexByPath.EncodeKey(IndexByPath.KeyOf(r)))
	assert.True(t, IndexByPath.Unique())
	assert.Equal(t, rowkey.IndexCacheItemsByPath, IndexByPath.ID())

	assert.Equal(t, ByPrefix("users"), IndexByPrefix.KeyOf(r))
	assert.False(t, IndexByPrefix.Unique())
	assert.True(t, IndexByPrefix.TTL())
	assert.Equal(t, uint32(1), IndexByPrefix.Version())

	s := Schema()
	assert.Equal(t, rowkey.TableCacheItems, s.Table)
	assert.Len(t, s.Indexes, 2)
	assert.NotNil(t, s.New())
}
