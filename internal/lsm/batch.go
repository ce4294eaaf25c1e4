package lsm

import (
	"encoding/binary"
	"fmt"
)

type batchOp struct {
	cf    uint32
	kind  Kind
	key   []byte
	value []byte
}

// Batch collects writes that are applied atomically. Operations within a
// batch get consecutive sequence numbers in insertion order, so a later
// write to the same key wins.
//
// A Batch is not safe for concurrent use.
type Batch struct {
	ops  []batchOp
	size int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set stores value under key in cf. key and value are copied.
func (b *Batch) Set(cf *ColumnFamily, key, value []byte) {
	b.add(cf.id, KindSet, key, value)
}

// Delete removes key from cf.
func (b *Batch) Delete(cf *ColumnFamily, key []byte) {
	b.add(cf.id, KindDelete, key, nil)
}

func (b *Batch) add(cf uint32, kind Kind, key, value []byte) {
	op := batchOp{cf: cf, kind: kind, key: append([]byte(nil), key...)}
	if kind == KindSet {
		op.value = append(make([]byte, 0, len(value)), value...)
	}
	b.ops = append(b.ops, op)
	b.size += len(key) + len(value) + 16
}

// Len returns the number of operations.
func (b *Batch) Len() int { return len(b.ops) }

// Size returns the approximate encoded size in bytes.
func (b *Batch) Size() int { return b.size }

// Empty reports whether the batch has no operations.
func (b *Batch) Empty() bool { return len(b.ops) == 0 }

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

// encode serializes the batch as the write-ahead log payload:
// count, then per operation kind, cf, key and (for sets) value, all
// length-prefixed with uvarints.
func (b *Batch) encode() []byte {
	buf := make([]byte, 0, b.size+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(b.ops)))
	for _, op := range b.ops {
		buf = append(buf, byte(op.kind))
		buf = binary.AppendUvarint(buf, uint64(op.cf))
		buf = binary.AppendUvarint(buf, uint64(len(op.key)))
		buf = append(buf, op.key...)
		if op.kind == KindSet {
			buf = binary.AppendUvarint(buf, uint64(len(op.value)))
			buf = append(buf, op.value...)
		}
	}
	return buf
}

func decodeBatch(p []byte) (*Batch, error) {
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(p)
		if n <= 0 {
			return 0, fmt.Errorf("%w: batch varint", ErrCorrupt)
		}
		p = p[n:]
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		l, err := readUvarint()
		if err != nil {
			return nil, err
		}
		if l > uint64(len(p)) {
			return nil, fmt.Errorf("%w: batch field length %d", ErrCorrupt, l)
		}
		v := p[:l:l]
		p = p[l:]
		return v, nil
	}

	count, err := readUvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(p)) {
		return nil, fmt.Errorf("%w: batch count %d", ErrCorrupt, count)
	}
	b := &Batch{ops: make([]batchOp, 0, count)}
	for i := uint64(0); i < count; i++ {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: batch truncated", ErrCorrupt)
		}
		kind := Kind(p[0])
		p = p[1:]
		if kind != KindSet && kind != KindDelete {
			return nil, fmt.Errorf("%w: batch op kind %d", ErrCorrupt, kind)
		}
		cf, err := readUvarint()
		if err != nil {
			return nil, err
		}
		key, err := readBytes()
		if err != nil {
			return nil, err
		}
		op := batchOp{cf: uint32(cf), kind: kind, key: key}
		if kind == KindSet {
			if op.value, err = readBytes(); err != nil {
				return nil, err
			}
		}
		b.ops = append(b.ops, op)
		b.size += len(op.key) + len(op.value) + 16
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in batch", ErrCorrupt, len(p))
	}
	return b, nil
}
