package lsm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/bloom"
	"github.com/hupe1980/ttlstore/internal/cache"
	"github.com/hupe1980/ttlstore/internal/hash"
)

// Sorted table layout:
//
//	[data block]...[index block][bloom block][footer]
//
// Every block is framed by compressBlock and followed by a 5-byte trailer
// [compression u8][crc32c u32] over the framed bytes and the compression
// byte. Data block entries are [klen uvarint][vlen uvarint][ikey][value].
// The index block holds one entry per data block keyed by its last
// internal key, with the value [offset uvarint][length uvarint]. The bloom
// block holds a filter over user keys.
//
//	footer: indexOff u64 | indexLen u64 | bloomOff u64 | bloomLen u64 | entries u64 | magic u64
const (
	tableMagic        uint64 = 0x5454_4c53_5354_0001
	tableFooterSize          = 48
	blockTrailerSize         = 5
	defaultBlockSize         = 4 << 10
	tableFileExt             = blobstore.TableExt
)

func tableFileName(fileNum uint64) string {
	return fmt.Sprintf("%06d%s", fileNum, tableFileExt)
}

type blockHandle struct {
	offset uint64
	length uint64
}

// tableMeta describes a finished table.
type tableMeta struct {
	size        int64
	entries     uint64
	smallest    []byte // internal keys
	largest     []byte
	smallestSeq uint64
	largestSeq  uint64
}

// tableWriter streams sorted internal keys into a table. Keys must be
// added in strictly increasing internal-key order.
type tableWriter struct {
	w           io.Writer
	blockSize   int
	compression Compression

	offset  uint64
	block   []byte
	lastKey []byte
	index   []byte
	ukeys   [][]byte
	meta    tableMeta
	err     error
}

func newTableWriter(w io.Writer, blockSize int, c Compression) *tableWriter {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &tableWriter{w: w, blockSize: blockSize, compression: c}
}

func (t *tableWriter) add(ik, value []byte) error {
	if t.err != nil {
		return t.err
	}
	if t.lastKey != nil && compareInternal(ik, t.lastKey) <= 0 {
		t.err = fmt.Errorf("%w: keys added out of order", ErrInvalidArgument)
		return t.err
	}
	ukey, seq, _, ok := splitInternalKey(ik)
	if !ok {
		t.err = fmt.Errorf("%w: short internal key", ErrInvalidArgument)
		return t.err
	}

	if t.meta.entries == 0 {
		t.meta.smallest = bytes.Clone(ik)
		t.meta.smallestSeq = seq
	}
	t.meta.smallestSeq = min(t.meta.smallestSeq, seq)
	t.meta.largestSeq = max(t.meta.largestSeq, seq)
	t.meta.entries++

	if n := len(t.ukeys); n == 0 || !bytes.Equal(t.ukeys[n-1], ukey) {
		t.ukeys = append(t.ukeys, bytes.Clone(ukey))
	}

	t.block = binary.AppendUvarint(t.block, uint64(len(ik)))
	t.block = binary.AppendUvarint(t.block, uint64(len(value)))
	t.block = append(t.block, ik...)
	t.block = append(t.block, value...)
	t.lastKey = append(t.lastKey[:0], ik...)

	if len(t.block) >= t.blockSize {
		return t.flushBlock()
	}
	return nil
}

// estimatedSize is the number of bytes written plus the pending block.
func (t *tableWriter) estimatedSize() uint64 {
	return t.offset + uint64(len(t.block))
}

func (t *tableWriter) flushBlock() error {
	if len(t.block) == 0 {
		return nil
	}
	h, err := t.writeBlock(t.block, t.compression)
	if err != nil {
		return err
	}
	t.index = binary.AppendUvarint(t.index, uint64(len(t.lastKey)))
	var hv []byte
	hv = binary.AppendUvarint(hv, h.offset)
	hv = binary.AppendUvarint(hv, h.length)
	t.index = binary.AppendUvarint(t.index, uint64(len(hv)))
	t.index = append(t.index, t.lastKey...)
	t.index = append(t.index, hv...)
	t.block = t.block[:0]
	return nil
}

func (t *tableWriter) writeBlock(raw []byte, c Compression) (blockHandle, error) {
	framed, err := compressBlock(raw, c)
	if err != nil {
		t.err = err
		return blockHandle{}, err
	}
	var trailer [blockTrailerSize]byte
	trailer[0] = byte(c)
	crc := hash.NewCRC32C()
	_, _ = crc.Write(framed)
	_, _ = crc.Write(trailer[:1])
	binary.LittleEndian.PutUint32(trailer[1:], crc.Sum32())

	if _, err := t.w.Write(framed); err != nil {
		t.err = err
		return blockHandle{}, err
	}
	if _, err := t.w.Write(trailer[:]); err != nil {
		t.err = err
		return blockHandle{}, err
	}
	h := blockHandle{offset: t.offset, length: uint64(len(framed))}
	t.offset += uint64(len(framed)) + blockTrailerSize
	return h, nil
}

func (t *tableWriter) finish() (tableMeta, error) {
	if t.err != nil {
		return tableMeta{}, t.err
	}
	if err := t.flushBlock(); err != nil {
		return tableMeta{}, err
	}
	indexH, err := t.writeBlock(t.index, CompressionNone)
	if err != nil {
		return tableMeta{}, err
	}
	filter := bloom.NewForKeys(len(t.ukeys))
	for _, k := range t.ukeys {
		filter.Add(k)
	}
	bloomH, err := t.writeBlock(filter.Append(nil), CompressionNone)
	if err != nil {
		return tableMeta{}, err
	}

	var footer [tableFooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:], indexH.offset)
	binary.LittleEndian.PutUint64(footer[8:], indexH.length)
	binary.LittleEndian.PutUint64(footer[16:], bloomH.offset)
	binary.LittleEndian.PutUint64(footer[24:], bloomH.length)
	binary.LittleEndian.PutUint64(footer[32:], t.meta.entries)
	binary.LittleEndian.PutUint64(footer[40:], tableMagic)
	if _, err := t.w.Write(footer[:]); err != nil {
		t.err = err
		return tableMeta{}, err
	}
	t.offset += tableFooterSize

	t.meta.largest = bytes.Clone(t.lastKey)
	t.meta.size = int64(t.offset)
	return t.meta, nil
}

type indexEntry struct {
	lastKey []byte
	handle  blockHandle
}

// tableReader reads a sorted table from a blob. It is safe for concurrent
// use.
type tableReader struct {
	fileNum uint64
	blob    blobstore.Blob
	data    []byte // non-nil when the blob is memory mapped
	cache   cache.BlockCache

	index   []indexEntry
	filter  *bloom.Filter
	entries uint64
}

func openTable(ctx context.Context, blob blobstore.Blob, fileNum uint64, bc cache.BlockCache) (*tableReader, error) {
	r := &tableReader{fileNum: fileNum, blob: blob, cache: bc}
	if m, ok := blob.(blobstore.Mappable); ok {
		if b, err := m.Bytes(); err == nil && int64(len(b)) == blob.Size() {
			r.data = b
		}
	}

	size := blob.Size()
	if size < tableFooterSize {
		return nil, fmt.Errorf("%w: table %d too small (%d bytes)", ErrCorrupt, fileNum, size)
	}
	footer, err := r.readRaw(ctx, uint64(size-tableFooterSize), tableFooterSize)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint64(footer[40:]) != tableMagic {
		return nil, fmt.Errorf("%w: table %d bad magic", ErrCorrupt, fileNum)
	}
	indexH := blockHandle{binary.LittleEndian.Uint64(footer[0:]), binary.LittleEndian.Uint64(footer[8:])}
	bloomH := blockHandle{binary.LittleEndian.Uint64(footer[16:]), binary.LittleEndian.Uint64(footer[24:])}
	r.entries = binary.LittleEndian.Uint64(footer[32:])

	indexBlock, err := r.readBlock(ctx, indexH)
	if err != nil {
		return nil, err
	}
	if r.index, err = decodeIndex(indexBlock); err != nil {
		return nil, fmt.Errorf("table %d: %w", fileNum, err)
	}
	bloomBlock, err := r.readBlock(ctx, bloomH)
	if err != nil {
		return nil, err
	}
	if r.filter, err = bloom.Decode(bloomBlock); err != nil {
		return nil, fmt.Errorf("%w: table %d bloom: %v", ErrCorrupt, fileNum, err)
	}
	return r, nil
}

func decodeIndex(b []byte) ([]indexEntry, error) {
	var out []indexEntry
	for len(b) > 0 {
		k, v, rest, err := decodeEntry(b)
		if err != nil {
			return nil, err
		}
		off, n1 := binary.Uvarint(v)
		length, n2 := binary.Uvarint(v[max(n1, 0):])
		if n1 <= 0 || n2 <= 0 {
			return nil, fmt.Errorf("%w: index handle", ErrCorrupt)
		}
		out = append(out, indexEntry{lastKey: bytes.Clone(k), handle: blockHandle{off, length}})
		b = rest
	}
	return out, nil
}

func decodeEntry(b []byte) (key, value, rest []byte, err error) {
	klen, n1 := binary.Uvarint(b)
	if n1 <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: entry key length", ErrCorrupt)
	}
	vlen, n2 := binary.Uvarint(b[n1:])
	if n2 <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: entry value length", ErrCorrupt)
	}
	b = b[n1+n2:]
	if klen+vlen > uint64(len(b)) {
		return nil, nil, nil, fmt.Errorf("%w: entry overruns block", ErrCorrupt)
	}
	return b[:klen:klen], b[klen : klen+vlen : klen+vlen], b[klen+vlen:], nil
}

func (r *tableReader) readRaw(ctx context.Context, off, n uint64) ([]byte, error) {
	if r.data != nil {
		if off+n > uint64(len(r.data)) {
			return nil, fmt.Errorf("%w: table %d read past end", ErrCorrupt, r.fileNum)
		}
		return r.data[off : off+n], nil
	}
	buf := make([]byte, n)
	if _, err := r.blob.ReadAt(ctx, buf, int64(off)); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: table %d read past end", ErrCorrupt, r.fileNum)
		}
		return nil, err
	}
	return buf, nil
}

// readBlock returns the decompressed contents of a block, consulting the
// block cache first.
func (r *tableReader) readBlock(ctx context.Context, h blockHandle) ([]byte, error) {
	key := cache.BlockKey(r.fileNum, h.offset)
	if r.cache != nil {
		if b, ok := r.cache.Get(ctx, key); ok {
			return b, nil
		}
	}

	raw, err := r.readRaw(ctx, h.offset, h.length+blockTrailerSize)
	if err != nil {
		return nil, err
	}
	framed, trailer := raw[:h.length], raw[h.length:]
	crc := hash.NewCRC32C()
	_, _ = crc.Write(framed)
	_, _ = crc.Write(trailer[:1])
	if crc.Sum32() != binary.LittleEndian.Uint32(trailer[1:]) {
		return nil, fmt.Errorf("%w: table %d block at %d checksum mismatch", ErrCorrupt, r.fileNum, h.offset)
	}
	b, err := decompressBlock(framed, Compression(trailer[0]))
	if err != nil {
		return nil, fmt.Errorf("table %d block at %d: %w", r.fileNum, h.offset, err)
	}

	if r.cache != nil {
		// Raw blocks alias the mapping, which is unmapped when the reader
		// closes; cached blocks may outlive it.
		if r.data != nil && Compression(trailer[0]) == CompressionNone {
			b = bytes.Clone(b)
		}
		r.cache.Set(ctx, key, b)
	}
	return b, nil
}

// get returns the newest entry for ukey with seq <= seq.
func (r *tableReader) get(ctx context.Context, ukey []byte, seq uint64) (value []byte, kind Kind, found bool, err error) {
	if !r.filter.MayContain(ukey) {
		return nil, 0, false, nil
	}
	target := seekKey(ukey, seq)
	i := r.findBlock(target)
	if i == len(r.index) {
		return nil, 0, false, nil
	}
	block, err := r.readBlock(ctx, r.index[i].handle)
	if err != nil {
		return nil, 0, false, err
	}
	it := blockIter{data: block}
	if !it.seekGE(target) {
		return nil, 0, false, it.err
	}
	k, _, kind, _ := splitInternalKey(it.key)
	if !bytes.Equal(k, ukey) {
		return nil, 0, false, nil
	}
	return it.value, kind, true, nil
}

// findBlock returns the first block whose last key is >= ik.
func (r *tableReader) findBlock(ik []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return compareInternal(r.index[i].lastKey, ik) >= 0
	})
}

func (r *tableReader) newIter(ctx context.Context, release func()) *tableIter {
	return &tableIter{ctx: ctx, r: r, bi: -1, release: release}
}

func (r *tableReader) close() error {
	return r.blob.Close()
}

// blockIter scans the entries of one data block.
type blockIter struct {
	data  []byte
	pos   int
	key   []byte
	value []byte
	valid bool
	err   error
}

func (b *blockIter) first() bool {
	b.pos = 0
	return b.next()
}

func (b *blockIter) next() bool {
	if b.pos >= len(b.data) {
		b.valid = false
		return false
	}
	k, v, rest, err := decodeEntry(b.data[b.pos:])
	if err != nil {
		b.err, b.valid = err, false
		return false
	}
	b.key, b.value = k, v
	b.pos = len(b.data) - len(rest)
	b.valid = true
	return true
}

func (b *blockIter) seekGE(ik []byte) bool {
	for ok := b.first(); ok; ok = b.next() {
		if compareInternal(b.key, ik) >= 0 {
			return true
		}
	}
	return false
}

// tableIter is a two-level iterator over the index and data blocks.
type tableIter struct {
	ctx     context.Context
	r       *tableReader
	bi      int
	blk     blockIter
	err     error
	release func()
}

func (t *tableIter) loadBlock(i int) bool {
	t.bi = i
	if i >= len(t.r.index) {
		t.blk = blockIter{}
		return false
	}
	data, err := t.r.readBlock(t.ctx, t.r.index[i].handle)
	if err != nil {
		t.err = err
		t.blk = blockIter{}
		return false
	}
	t.blk = blockIter{data: data}
	return true
}

// skipEmpty moves to the next block while the current one is exhausted.
func (t *tableIter) skipEmpty(ok bool) bool {
	for !ok {
		if t.blk.err != nil {
			t.err = t.blk.err
			return false
		}
		if !t.loadBlock(t.bi + 1) {
			return false
		}
		ok = t.blk.first()
	}
	return true
}

func (t *tableIter) First() bool {
	if !t.loadBlock(0) {
		return false
	}
	return t.skipEmpty(t.blk.first())
}

func (t *tableIter) SeekGE(ik []byte) bool {
	if !t.loadBlock(t.r.findBlock(ik)) {
		return false
	}
	return t.skipEmpty(t.blk.seekGE(ik))
}

func (t *tableIter) Next() bool {
	if !t.Valid() {
		return false
	}
	return t.skipEmpty(t.blk.next())
}

func (t *tableIter) Valid() bool   { return t.err == nil && t.blk.valid }
func (t *tableIter) Key() []byte   { return t.blk.key }
func (t *tableIter) Value() []byte { return t.blk.value }
func (t *tableIter) Error() error  { return t.err }

func (t *tableIter) Close() error {
	if t.release != nil {
		t.release()
		t.release = nil
	}
	return nil
}
