// Package hash provides the checksums used by on-disk formats.
//
// Every block, WAL record and manifest payload is protected by
// CRC32-Castagnoli. github.com/klauspost/crc32 is a drop-in for hash/crc32
// with faster assembly on amd64 and arm64.
package hash

import (
	"hash"

	"github.com/klauspost/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// Masked returns a masked form of crc, so that a checksum stored next to the
// data it covers does not checksum to itself when data embeds checksums.
func Masked(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}
