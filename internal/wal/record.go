package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/ttlstore/internal/hash"
)

// RecordType identifies the payload of a record.
type RecordType uint8

// RecordTypeBatch carries an encoded write batch.
const RecordTypeBatch RecordType = 1

// MaxRecordSize bounds the payload of a single record.
const MaxRecordSize = 64 << 20

// Record layout, little endian:
//
//	crc u32 | length u32 | type u8 | seq u64 | payload
//
// The masked CRC32-C covers everything after the length field.
const (
	crcOff      = 0
	lenOff      = 4
	typeOff     = 8
	seqOff      = 9
	frameHeader = 17
)

var (
	ErrInvalidCRC     = errors.New("wal: record checksum mismatch")
	ErrInvalidType    = errors.New("wal: unknown record type")
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// Record is one entry of the log.
type Record struct {
	// Seq is the sequence number of the first operation in the payload.
	Seq     uint64
	Type    RecordType
	Payload []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return frameHeader + len(r.Payload)
}

func (r *Record) checksum(hdr []byte) uint32 {
	h := hash.NewCRC32C()
	h.Write(hdr[typeOff:frameHeader])
	h.Write(r.Payload)
	return hash.Masked(h.Sum32())
}

// Encode writes the framed record to w.
func (r *Record) Encode(w io.Writer) error {
	_, err := r.writeTo(w)
	return err
}

func (r *Record) writeTo(w io.Writer) (int64, error) {
	if len(r.Payload) > MaxRecordSize {
		return 0, ErrRecordTooLarge
	}
	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint32(hdr[lenOff:], uint32(len(r.Payload)))
	hdr[typeOff] = byte(r.Type)
	binary.LittleEndian.PutUint64(hdr[seqOff:], r.Seq)
	binary.LittleEndian.PutUint32(hdr[crcOff:], r.checksum(hdr[:]))

	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(r.Payload)
	return int64(n + m), err
}

// Decode reads one record from r and returns it with the number of bytes
// consumed. A clean end yields io.EOF, a torn tail io.ErrUnexpectedEOF.
func Decode(r io.Reader) (*Record, int64, error) {
	var hdr [frameHeader]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, int64(n), io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(hdr[lenOff:])
	if length > MaxRecordSize {
		return nil, frameHeader, ErrRecordTooLarge
	}
	rec := &Record{
		Type:    RecordType(hdr[typeOff]),
		Seq:     binary.LittleEndian.Uint64(hdr[seqOff:]),
		Payload: make([]byte, length),
	}
	if m, err := io.ReadFull(r, rec.Payload); err != nil {
		return nil, frameHeader + int64(m), io.ErrUnexpectedEOF
	}
	consumed := frameHeader + int64(length)
	if rec.checksum(hdr[:]) != binary.LittleEndian.Uint32(hdr[crcOff:]) {
		return nil, consumed, ErrInvalidCRC
	}
	if rec.Type != RecordTypeBatch {
		return nil, consumed, ErrInvalidType
	}
	return rec, consumed, nil
}
