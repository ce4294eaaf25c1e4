// Package rowkey encodes the keys a table writes into the storage engine.
//
// Every key starts with a one-byte discriminant followed by big-endian
// fields, so the byte order of encoded keys matches the numeric order of
// their ids. Secondary-index entries group by index and, for one exact key,
// sort by row. Index keys carry no terminator: when one key is a byte
// prefix of another their entries may interleave, so a scan over a key
// prefix must compare the decoded key to find exact matches.
//
//	Table              0x01 | table_id u32 | row_id u64
//	Sequence           0x02 | table_id u32
//	SecondaryIndex     0x03 | index_id u32 | key bytes | row_id u64
//	SecondaryIndexInfo 0x04 | index_id u32
package rowkey

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when bytes do not decode to a known key variant.
var ErrInvalidKey = errors.New("rowkey: invalid key")

// Kind is the leading discriminant of an encoded key.
type Kind uint8

const (
	KindTable              Kind = 0x01
	KindSequence           Kind = 0x02
	KindSecondaryIndex     Kind = 0x03
	KindSecondaryIndexInfo Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindSequence:
		return "sequence"
	case KindSecondaryIndex:
		return "secondary_index"
	case KindSecondaryIndexInfo:
		return "secondary_index_info"
	default:
		return fmt.Sprintf("kind(%#x)", uint8(k))
	}
}

const (
	idSize    = 4
	rowIDSize = 8

	tableKeySize    = 1 + idSize + rowIDSize
	sequenceKeySize = 1 + idSize
	infoKeySize     = 1 + idSize
	minIndexKeySize = 1 + idSize + rowIDSize
)

// RowID identifies a primary row within its table.
type RowID uint64

// RowKey is a decoded key. Only the fields relevant to Kind are set.
type RowKey struct {
	Kind    Kind
	TableID TableID
	IndexID IndexID
	RowID   RowID
	// Key is the encoded secondary-index key. It aliases the decoded input.
	Key []byte
}

// Table returns the primary-row key for (table, row).
func Table(table TableID, row RowID) []byte {
	b := make([]byte, tableKeySize)
	b[0] = byte(KindTable)
	binary.BigEndian.PutUint32(b[1:], uint32(table))
	binary.BigEndian.PutUint64(b[1+idSize:], uint64(row))
	return b
}

// TablePrefix returns the prefix shared by every primary row of table.
func TablePrefix(table TableID) []byte {
	b := make([]byte, 1+idSize)
	b[0] = byte(KindTable)
	binary.BigEndian.PutUint32(b[1:], uint32(table))
	return b
}

// Sequence returns the key holding the row-id counter of table.
func Sequence(table TableID) []byte {
	b := make([]byte, sequenceKeySize)
	b[0] = byte(KindSequence)
	binary.BigEndian.PutUint32(b[1:], uint32(table))
	return b
}

// SecondaryIndex returns the entry key linking an encoded index key to row.
func SecondaryIndex(index IndexID, key []byte, row RowID) []byte {
	b := make([]byte, 0, minIndexKeySize+len(key))
	b = append(b, byte(KindSecondaryIndex))
	b = binary.BigEndian.AppendUint32(b, uint32(index))
	b = append(b, key...)
	return binary.BigEndian.AppendUint64(b, uint64(row))
}

// SecondaryIndexPrefix returns the scan prefix for entries of index whose
// encoded key starts with key. A scan over this prefix may also return
// entries for longer keys; callers compare the decoded key when they need
// an exact match.
func SecondaryIndexPrefix(index IndexID, key []byte) []byte {
	b := make([]byte, 0, 1+idSize+len(key))
	b = append(b, byte(KindSecondaryIndex))
	b = binary.BigEndian.AppendUint32(b, uint32(index))
	return append(b, key...)
}

// SecondaryIndexInfo returns the key holding metadata for index.
func SecondaryIndexInfo(index IndexID) []byte {
	b := make([]byte, infoKeySize)
	b[0] = byte(KindSecondaryIndexInfo)
	binary.BigEndian.PutUint32(b[1:], uint32(index))
	return b
}

// Encode returns the byte form of k.
func (k RowKey) Encode() []byte {
	switch k.Kind {
	case KindTable:
		return Table(k.TableID, k.RowID)
	case KindSequence:
		return Sequence(k.TableID)
	case KindSecondaryIndex:
		return SecondaryIndex(k.IndexID, k.Key, k.RowID)
	case KindSecondaryIndexInfo:
		return SecondaryIndexInfo(k.IndexID)
	default:
		return nil
	}
}

// Decode parses an encoded key. The returned Key field aliases b.
func Decode(b []byte) (RowKey, error) {
	if len(b) == 0 {
		return RowKey{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	kind := Kind(b[0])
	switch kind {
	case KindTable:
		if len(b) != tableKeySize {
			return RowKey{}, fmt.Errorf("%w: %s key has %d bytes", ErrInvalidKey, kind, len(b))
		}
		return RowKey{
			Kind:    kind,
			TableID: TableID(binary.BigEndian.Uint32(b[1:])),
			RowID:   RowID(binary.BigEndian.Uint64(b[1+idSize:])),
		}, nil
	case KindSequence:
		if len(b) != sequenceKeySize {
			return RowKey{}, fmt.Errorf("%w: %s key has %d bytes", ErrInvalidKey, kind, len(b))
		}
		return RowKey{Kind: kind, TableID: TableID(binary.BigEndian.Uint32(b[1:]))}, nil
	case KindSecondaryIndex:
		if len(b) < minIndexKeySize {
			return RowKey{}, fmt.Errorf("%w: %s key has %d bytes", ErrInvalidKey, kind, len(b))
		}
		end := len(b) - rowIDSize
		return RowKey{
			Kind:    kind,
			IndexID: IndexID(binary.BigEndian.Uint32(b[1:])),
			Key:     b[1+idSize : end],
			RowID:   RowID(binary.BigEndian.Uint64(b[end:])),
		}, nil
	case KindSecondaryIndexInfo:
		if len(b) != infoKeySize {
			return RowKey{}, fmt.Errorf("%w: %s key has %d bytes", ErrInvalidKey, kind, len(b))
		}
		return RowKey{Kind: kind, IndexID: IndexID(binary.BigEndian.Uint32(b[1:]))}, nil
	default:
		return RowKey{}, fmt.Errorf("%w: unknown discriminant %#x", ErrInvalidKey, b[0])
	}
}

// Equal reports whether a and b describe the same key.
func (k RowKey) Equal(o RowKey) bool {
	return k.Kind == o.Kind && k.TableID == o.TableID && k.IndexID == o.IndexID &&
		k.RowID == o.RowID && bytes.Equal(k.Key, o.Key)
}

func (k RowKey) String() string {
	switch k.Kind {
	case KindTable:
		return fmt.Sprintf("table(%s, %d)", k.TableID, k.RowID)
	case KindSequence:
		return fmt.Sprintf("sequence(%s)", k.TableID)
	case KindSecondaryIndex:
		return fmt.Sprintf("index(%s, %q, %d)", k.IndexID, k.Key, k.RowID)
	case KindSecondaryIndexInfo:
		return fmt.Sprintf("index_info(%s)", k.IndexID)
	default:
		return k.Kind.String()
	}
}
