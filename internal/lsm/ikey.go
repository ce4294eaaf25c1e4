package lsm

import (
	"bytes"
	"encoding/binary"
)

// Kind tags an internal key as a value or a deletion.
type Kind uint8

const (
	KindDelete Kind = 0
	KindSet    Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindSet:
		return "SET"
	default:
		return "INVALID"
	}
}

const (
	trailerSize = 8
	// MaxSeq is the largest sequence number; seq shares the trailer with
	// the kind byte.
	MaxSeq = 1<<56 - 1
)

// An internal key is the user key followed by an 8-byte little-endian
// trailer (seq<<8 | kind). Internal keys sort by user key ascending, then
// by sequence number descending, so the newest version of a key comes
// first.
func makeInternalKey(dst, ukey []byte, seq uint64, kind Kind) []byte {
	dst = append(dst, ukey...)
	return binary.LittleEndian.AppendUint64(dst, seq<<8|uint64(kind))
}

func splitInternalKey(ik []byte) (ukey []byte, seq uint64, kind Kind, ok bool) {
	if len(ik) < trailerSize {
		return nil, 0, 0, false
	}
	n := len(ik) - trailerSize
	t := binary.LittleEndian.Uint64(ik[n:])
	return ik[:n:n], t >> 8, Kind(t & 0xff), true
}

func userKey(ik []byte) []byte {
	if len(ik) < trailerSize {
		return ik
	}
	return ik[: len(ik)-trailerSize : len(ik)-trailerSize]
}

func trailer(ik []byte) uint64 {
	if len(ik) < trailerSize {
		return 0
	}
	return binary.LittleEndian.Uint64(ik[len(ik)-trailerSize:])
}

func compareInternal(a, b []byte) int {
	if c := bytes.Compare(userKey(a), userKey(b)); c != 0 {
		return c
	}
	ta, tb := trailer(a), trailer(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}

// seekKey returns the smallest internal key for ukey visible at seq.
func seekKey(ukey []byte, seq uint64) []byte {
	return makeInternalKey(make([]byte, 0, len(ukey)+trailerSize), ukey, seq, KindSet)
}

// prefixSuccessor returns the smallest key greater than every key with
// the given prefix, or nil if there is none.
func prefixSuccessor(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
