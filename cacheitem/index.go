package cacheitem

import (
	"github.com/hupe1980/ttlstore/rowkey"
	"github.com/hupe1980/ttlstore/table"
)

// IndexKind tells which index an IndexKey addresses.
type IndexKind uint8

const (
	KindPath IndexKind = iota + 1
	KindPrefix
)

// IndexKey is a key of one of the cache indexes.
type IndexKey struct {
	Kind  IndexKind
	Value string
}

// ByPath returns the key of the unique path index.
func ByPath(path string) IndexKey { return IndexKey{Kind: KindPath, Value: path} }

// ByPrefix returns the key of the prefix index.
func ByPrefix(prefix string) IndexKey { return IndexKey{Kind: KindPrefix, Value: prefix} }

type pathIndex struct{}

func (pathIndex) ID() rowkey.IndexID          { return rowkey.IndexCacheItemsByPath }
func (pathIndex) Name() string                { return rowkey.IndexCacheItemsByPath.String() }
func (pathIndex) KeyOf(r *CacheRow) IndexKey  { return ByPath(r.Path()) }
func (pathIndex) EncodeKey(k IndexKey) []byte { return []byte(k.Value) }
func (pathIndex) Unique() bool                { return true }
func (pathIndex) Version() uint32             { return 1 }
func (pathIndex) TTL() bool                   { return true }

type prefixIndex struct{}

func (prefixIndex) ID() rowkey.IndexID          { return rowkey.IndexCacheItemsByPrefix }
func (prefixIndex) Name() string                { return rowkey.IndexCacheItemsByPrefix.String() }
func (prefixIndex) KeyOf(r *CacheRow) IndexKey  { return ByPrefix(r.Prefix()) }
func (prefixIndex) EncodeKey(k IndexKey) []byte { return []byte(k.Value) }
func (prefixIndex) Unique() bool                { return false }
func (prefixIndex) Version() uint32             { return 1 }
func (prefixIndex) TTL() bool                   { return true }

var (
	// IndexByPath maps a full path to its row.
	IndexByPath table.Index[*CacheRow, IndexKey] = pathIndex{}
	// IndexByPrefix maps a prefix to every row under it.
	IndexByPrefix table.Index[*CacheRow, IndexKey] = prefixIndex{}
)

// Schema returns the schema of the cache table.
func Schema() table.Schema[*CacheRow, IndexKey] {
	return table.Schema[*CacheRow, IndexKey]{
		Table:   rowkey.TableCacheItems,
		New:     func() *CacheRow { return new(CacheRow) },
		Indexes: []table.Index[*CacheRow, IndexKey]{IndexByPath, IndexByPrefix},
	}
}
