package lsm

import (
	"bytes"
	"container/heap"
	"errors"
)

// internalIterator iterates over internal keys in ascending order.
type internalIterator interface {
	First() bool
	SeekGE(ik []byte) bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// mergingIter merges several internal iterators with a min-heap.
type mergingIter struct {
	iters []internalIterator
	h     iterHeap
	err   error
}

type iterHeap []internalIterator

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	return compareInternal(h[i].Key(), h[j].Key()) < 0
}
func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x any)   { *h = append(*h, x.(internalIterator)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newMergingIter(iters ...internalIterator) *mergingIter {
	return &mergingIter{iters: iters}
}

func (m *mergingIter) init(position func(internalIterator) bool) bool {
	m.h = m.h[:0]
	for _, it := range m.iters {
		if position(it) {
			m.h = append(m.h, it)
		} else if err := it.Error(); err != nil {
			m.err = err
			return false
		}
	}
	heap.Init(&m.h)
	return len(m.h) > 0
}

func (m *mergingIter) First() bool {
	return m.init(func(it internalIterator) bool { return it.First() })
}

func (m *mergingIter) SeekGE(ik []byte) bool {
	return m.init(func(it internalIterator) bool { return it.SeekGE(ik) })
}

func (m *mergingIter) Next() bool {
	if len(m.h) == 0 {
		return false
	}
	top := m.h[0]
	if top.Next() {
		heap.Fix(&m.h, 0)
	} else {
		if err := top.Error(); err != nil {
			m.err = err
			m.h = m.h[:0]
			return false
		}
		heap.Pop(&m.h)
	}
	return len(m.h) > 0
}

func (m *mergingIter) Valid() bool   { return m.err == nil && len(m.h) > 0 }
func (m *mergingIter) Key() []byte   { return m.h[0].Key() }
func (m *mergingIter) Value() []byte { return m.h[0].Value() }
func (m *mergingIter) Error() error  { return m.err }

func (m *mergingIter) Close() error {
	var errs []error
	for _, it := range m.iters {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IterOptions bounds an Iterator.
type IterOptions struct {
	// Prefix restricts iteration to keys with this prefix. When set,
	// LowerBound and UpperBound are derived from it.
	Prefix []byte
	// LowerBound is the inclusive lower bound.
	LowerBound []byte
	// UpperBound is the exclusive upper bound. nil means unbounded.
	UpperBound []byte
}

// Iterator yields the live keys of a column family in ascending order, as
// of the moment it was created. Deleted keys and superseded versions are
// skipped. An Iterator must be closed.
type Iterator struct {
	iter    *mergingIter
	seq     uint64
	lower   []byte
	upper   []byte
	release func()

	key   []byte
	value []byte
	valid bool
	err   error
}

func newIterator(iter *mergingIter, seq uint64, opts IterOptions, release func()) *Iterator {
	it := &Iterator{iter: iter, seq: seq, lower: opts.LowerBound, upper: opts.UpperBound, release: release}
	if opts.Prefix != nil {
		it.lower = opts.Prefix
		it.upper = prefixSuccessor(opts.Prefix)
	}
	return it
}

// First positions the iterator at the first key within bounds.
func (it *Iterator) First() bool {
	if it.lower != nil {
		return it.SeekGE(it.lower)
	}
	it.iter.First()
	return it.findNext(nil)
}

// SeekGE positions the iterator at the first key >= key.
func (it *Iterator) SeekGE(key []byte) bool {
	if it.lower != nil && bytes.Compare(key, it.lower) < 0 {
		key = it.lower
	}
	it.iter.SeekGE(seekKey(key, MaxSeq))
	return it.findNext(nil)
}

// Next advances to the next live key.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	return it.findNext(it.key)
}

// findNext moves the underlying iterator to the newest visible version of
// the next user key after skip and stops there if it is a live value.
func (it *Iterator) findNext(skip []byte) bool {
	it.valid = false
	for it.iter.Valid() {
		ukey, seq, kind, ok := splitInternalKey(it.iter.Key())
		if !ok {
			it.err = ErrCorrupt
			return false
		}
		if it.upper != nil && bytes.Compare(ukey, it.upper) >= 0 {
			return false
		}
		if seq > it.seq || (skip != nil && bytes.Equal(ukey, skip)) {
			it.iter.Next()
			continue
		}
		// Newest visible version of ukey.
		skip = append(skip[:0:0], ukey...)
		if kind == KindSet {
			it.key = skip
			it.value = it.iter.Value()
			it.valid = true
			return true
		}
		it.iter.Next()
	}
	it.err = it.iter.Error()
	return false
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key. It is valid until the next move.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. It is valid until the next move.
func (it *Iterator) Value() []byte { return it.value }

// Error returns any error encountered during iteration.
func (it *Iterator) Error() error { return it.err }

// Close releases the iterator's resources.
func (it *Iterator) Close() error {
	err := it.iter.Close()
	if it.release != nil {
		it.release()
		it.release = nil
	}
	return err
}
