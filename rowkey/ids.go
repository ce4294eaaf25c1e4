package rowkey

import "fmt"

// TableID identifies a table. Values are persisted; never reuse one.
type TableID uint32

const (
	TableCacheItems TableID = 1
)

// HasTTL reports whether rows of the table carry an expiration field that
// compaction may act on. Unknown tables report false.
func (t TableID) HasTTL() bool {
	switch t {
	case TableCacheItems:
		return true
	default:
		return false
	}
}

func (t TableID) String() string {
	switch t {
	case TableCacheItems:
		return "cache_items"
	default:
		return fmt.Sprintf("table_%d", uint32(t))
	}
}

// IndexID identifies a secondary index globally. The mapping is
// append-only: ids are persisted in keys and never reassigned.
type IndexID uint32

const (
	IndexCacheItemsByPath   IndexID = 1
	IndexCacheItemsByPrefix IndexID = 2
)

func (i IndexID) String() string {
	switch i {
	case IndexCacheItemsByPath:
		return "cache_items.by_path"
	case IndexCacheItemsByPrefix:
		return "cache_items.by_prefix"
	default:
		return fmt.Sprintf("index_%d", uint32(i))
	}
}
