package lsm

import (
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/memdb"
)

// nodeOverhead approximates the per-entry skiplist bookkeeping on top of
// the key and value bytes.
const nodeOverhead = 16

// internalComparer orders memdb keys as internal keys.
type internalComparer struct{}

func (internalComparer) Compare(a, b []byte) int { return compareInternal(a, b) }

// memtable holds internal keys in a goleveldb memdb skiplist. Internal keys
// are unique per sequence, so every add inserts a new node and slices handed
// out by get or an iterator stay valid for the memtable's lifetime.
type memtable struct {
	db *memdb.DB
}

func newMemtable() *memtable {
	return &memtable{db: memdb.New(internalComparer{}, 4<<10)}
}

// add inserts an entry. Keys and values are copied.
func (m *memtable) add(seq uint64, kind Kind, ukey, value []byte) {
	if kind != KindSet {
		value = nil
	}
	// memdb copies both slices and its Put never fails.
	_ = m.db.Put(makeInternalKey(nil, ukey, seq, kind), value)
}

// get returns the newest entry for ukey with sequence <= seq.
func (m *memtable) get(ukey []byte, seq uint64) (value []byte, kind Kind, found bool) {
	ik, v, err := m.db.Find(seekKey(ukey, seq))
	if err != nil {
		return nil, 0, false
	}
	k, _, kind, ok := splitInternalKey(ik)
	if !ok || string(k) != string(ukey) {
		return nil, 0, false
	}
	return v, kind, true
}

func (m *memtable) approximateSize() int64 {
	return int64(m.db.Size() + nodeOverhead*m.db.Len())
}

func (m *memtable) len() int { return m.db.Len() }

func (m *memtable) empty() bool { return m.db.Len() == 0 }

func (m *memtable) newIter() *memIter {
	return &memIter{it: m.db.NewIterator(nil)}
}

// memIter walks a memtable in internal-key order. Entries added after the
// iterator was created may or may not be observed; readers bound visibility
// by sequence number.
type memIter struct {
	it iterator.Iterator
}

func (it *memIter) First() bool { return it.it.First() }
func (it *memIter) SeekGE(ik []byte) bool { return it.it.Seek(ik) }
func (it *memIter) Next() bool { return it.it.Next() }
func (it *memIter) Valid() bool { return it.it.Valid() }
func (it *memIter) Key() []byte { return it.it.Key() }
func (it *memIter) Value() []byte { return it.it.Value() }
func (it *memIter) Error() error { return it.it.Error() }

func (it *memIter) Close() error {
	it.it.Release()
	return nil
}
