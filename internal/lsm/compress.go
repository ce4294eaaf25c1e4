package lsm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression of sorted tables. The choice
// is recorded per block, so tables written with different settings can be
// read by the same DB.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
	CompressionLZ4    Compression = 2
	CompressionZSTD   Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compressed block layout:
//
//	[uncompressed u32][compressed u32][data]
//
// compressed == 0 means data is stored raw.
const compressHeaderSize = 8

// compressBlock returns the framed form of data. Blocks that do not shrink
// below 90% of their size are stored raw.
func compressBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionNone:
	case CompressionSnappy:
		compressed = snappy.Encode(nil, data)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, c)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, compressHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		copy(out[compressHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, compressHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[compressHeaderSize:], compressed)
	return out, nil
}

// decompressBlock reverses compressBlock. Raw blocks alias data.
func decompressBlock(data []byte, c Compression) ([]byte, error) {
	if len(data) < compressHeaderSize {
		return nil, fmt.Errorf("%w: block too small for header", ErrCorrupt)
	}
	rawSize := binary.LittleEndian.Uint32(data[0:])
	compSize := binary.LittleEndian.Uint32(data[4:])
	body := data[compressHeaderSize:]

	if compSize == 0 {
		if uint32(len(body)) != rawSize {
			return nil, fmt.Errorf("%w: raw block size %d, want %d", ErrCorrupt, len(body), rawSize)
		}
		return body, nil
	}
	if uint32(len(body)) != compSize {
		return nil, fmt.Errorf("%w: compressed block size %d, want %d", ErrCorrupt, len(body), compSize)
	}

	var (
		out []byte
		err error
	)
	switch c {
	case CompressionSnappy:
		out, err = snappy.Decode(make([]byte, rawSize), body)
	case CompressionLZ4:
		out = make([]byte, rawSize)
		var n int
		n, err = lz4.UncompressBlock(body, out)
		out = out[:n]
	case CompressionZSTD:
		dec := getZstdDecoder()
		out, err = dec.DecodeAll(body, make([]byte, 0, rawSize))
		zstdDecoderPool.Put(dec)
	default:
		return nil, fmt.Errorf("%w: compressed block with codec %s", ErrCorrupt, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, c, err)
	}
	if uint32(len(out)) != rawSize {
		return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrCorrupt, len(out), rawSize)
	}
	return out, nil
}
