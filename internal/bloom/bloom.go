// Package bloom implements the per-table Bloom filter consulted before a
// point lookup reads any data block of a sorted table.
//
// A filter answers "definitely absent" or "maybe present"; there are no
// false negatives. Ten bits per key give roughly a 1% false positive rate.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ErrCorrupt indicates the encoded filter is invalid.
var ErrCorrupt = errors.New("bloom: corrupted filter data")

const headerSize = 16

// Filter is a Bloom filter over byte-string keys.
type Filter struct {
	bits    []uint64
	numBits uint64
	k       uint32
	count   uint32
}

// Size computes the filter size for n keys at false positive rate p.
// Returns (numBits, numHashFunctions).
func Size(n int, p float64) (numBits uint64, k uint32) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	// m = -n*ln(p) / ln(2)^2, k = (m/n) * ln(2)
	m := float64(-n) * math.Log(p) / (math.Ln2 * math.Ln2)
	kf := (m / float64(n)) * math.Ln2

	numBits = max(((uint64(m)+63)/64)*64, 64)
	k = min(max(uint32(math.Ceil(kf)), 1), 16)
	return numBits, k
}

// New creates a filter with numBits bits (rounded up to a word) and k hashes.
func New(numBits uint64, k uint32) *Filter {
	numBits = max(((numBits+63)/64)*64, 64)
	k = min(max(k, 1), 16)
	return &Filter{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// NewForKeys creates a filter sized for n keys with ~1% false positives.
func NewForKeys(n int) *Filter {
	numBits, k := Size(n, 0.01)
	return New(numBits, k)
}

// Add inserts key. After Add(x), MayContain(x) is always true.
func (f *Filter) Add(key []byte) {
	h1, h2 := hash(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		f.bits[bit/64] |= 1 << (bit % 64)
	}
	f.count++
}

// MayContain reports false only if key was definitely never added.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := hash(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (f *Filter) Count() uint32 { return f.count }

// EstimatedFalsePositiveRate returns (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	kn := float64(f.k) * float64(f.count)
	return math.Pow(1-math.Exp(-kn/float64(f.numBits)), float64(f.k))
}

// Append appends the encoded filter to dst.
// Layout: numBits u64 | k u32 | count u32 | words (little-endian).
func (f *Filter) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, f.numBits)
	dst = binary.LittleEndian.AppendUint32(dst, f.k)
	dst = binary.LittleEndian.AppendUint32(dst, f.count)
	for _, w := range f.bits {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// Decode parses a filter produced by Append.
func Decode(b []byte) (*Filter, error) {
	if len(b) < headerSize {
		return nil, ErrCorrupt
	}
	numBits := binary.LittleEndian.Uint64(b[0:8])
	k := binary.LittleEndian.Uint32(b[8:12])
	count := binary.LittleEndian.Uint32(b[12:16])
	if numBits < 64 || numBits%64 != 0 || k < 1 || k > 16 {
		return nil, ErrCorrupt
	}
	words := numBits / 64
	if uint64(len(b)-headerSize) != words*8 {
		return nil, ErrCorrupt
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(b[headerSize+i*8:])
	}
	return &Filter{bits: bits, numBits: numBits, k: k, count: count}, nil
}

// hash derives the two probe hashes of double hashing from one xxhash.
func hash(b []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(b)
	// Odd h2 keeps the probe sequence from collapsing.
	h2 = (h1>>32 | h1<<32) | 1
	return h1, h2
}
