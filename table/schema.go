package table

import (
	"fmt"
	"time"

	"github.com/hupe1980/ttlstore/codec"
	"github.com/hupe1980/ttlstore/rowkey"
)

// Row is the capability a stored row type needs. Encoding goes through the
// schema's codec.
type Row interface {
	// ExpiredAt reports whether the row is logically deleted at now.
	ExpiredAt(now time.Time) bool
}

// Index describes one secondary index over rows of type R with keys of
// type K. Implementations must be stateless.
type Index[R Row, K any] interface {
	// ID is persisted in every entry and must never be reassigned.
	ID() rowkey.IndexID
	Name() string
	// KeyOf derives the key from the current fields of row.
	KeyOf(row R) K
	// EncodeKey returns the key bytes. Byte order is scan order.
	EncodeKey(key K) []byte
	Unique() bool
	// Version changes whenever EncodeKey changes its output.
	Version() uint32
	// TTL reports whether expired rows lose their entries in this index.
	TTL() bool
}

// Schema binds a row type to a table id and its indexes.
type Schema[R Row, K any] struct {
	Table   rowkey.TableID
	New     func() R
	Indexes []Index[R, K]
	// Codec encodes rows. Defaults to codec.Default.
	Codec codec.Codec
}

func (s *Schema[R, K]) validate() error {
	if s.New == nil {
		return fmt.Errorf("%w: %s has no row constructor", ErrInvalidSchema, s.Table)
	}
	seen := make(map[rowkey.IndexID]bool, len(s.Indexes))
	for _, idx := range s.Indexes {
		if seen[idx.ID()] {
			return fmt.Errorf("%w: duplicate index id %d", ErrInvalidSchema, idx.ID())
		}
		seen[idx.ID()] = true
	}
	if s.Codec == nil {
		s.Codec = codec.Default
	}
	return nil
}

// IDRow is a row together with its id.
type IDRow[R Row] struct {
	ID  rowkey.RowID
	Row R
}
