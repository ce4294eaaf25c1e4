package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/ttlstore/internal/hash"
)

const (
	binaryMagic   = 0x54544c4d // "TTLM"
	binaryVersion = CurrentVersion
	headerSize    = 16
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32C of payload
// PayloadLength (4 bytes)
// Payload:
//
//	ID (8 bytes)
//	DBID (16 bytes)
//	CreatedAt (8 bytes) - UnixNano
//	NextFileNum, LastSeq, LogNum (8 bytes each)
//	NumColumnFamilies (4 bytes)
//	  ID (4 bytes) Name (string) Filter (string)
//	NumTables (4 bytes)
//	  FileNum (8) CF (4) Level (4) Size (8) Entries (8)
//	  Smallest (bytes) Largest (bytes) SmallestSeq (8) LargestSeq (8)
//
// Strings carry a 2-byte length, byte slices a 4-byte length.
func (m *Manifest) WriteBinary(w io.Writer) error {
	pb := newPayloadBuffer(make([]byte, 0, 96+len(m.Tables)*96))

	pb.writeUint64(m.ID)
	pb.buf = append(pb.buf, m.DBID[:]...)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeUint64(m.NextFileNum)
	pb.writeUint64(m.LastSeq)
	pb.writeUint64(m.LogNum)

	pb.writeUint32(uint32(len(m.ColumnFamilies)))
	for _, cf := range m.ColumnFamilies {
		pb.writeUint32(cf.ID)
		pb.writeString(cf.Name)
		pb.writeString(cf.Filter)
	}

	pb.writeUint32(uint32(len(m.Tables)))
	for _, t := range m.Tables {
		pb.writeUint64(t.FileNum)
		pb.writeUint32(t.CF)
		pb.writeUint32(uint32(t.Level))
		pb.writeUint64(uint64(t.Size))
		pb.writeUint64(t.Entries)
		pb.writeBytes(t.Smallest)
		pb.writeBytes(t.Largest)
		pb.writeUint64(t.SmallestSeq)
		pb.writeUint64(t.LargestSeq)
	}

	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads the manifest from binary format.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	if raw := pb.read(16); raw != nil {
		m.DBID = uuid.UUID(raw)
	}
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	m.NextFileNum = pb.readUint64()
	m.LastSeq = pb.readUint64()
	m.LogNum = pb.readUint64()

	numCF := pb.readUint32()
	if pb.err == nil && int(numCF) > len(payload) {
		return nil, fmt.Errorf("%w: %d column families", ErrCorrupt, numCF)
	}
	m.ColumnFamilies = make([]ColumnFamily, numCF)
	for i := range m.ColumnFamilies {
		m.ColumnFamilies[i].ID = pb.readUint32()
		m.ColumnFamilies[i].Name = pb.readString()
		m.ColumnFamilies[i].Filter = pb.readString()
	}

	numTables := pb.readUint32()
	if pb.err == nil && int(numTables) > len(payload) {
		return nil, fmt.Errorf("%w: %d tables", ErrCorrupt, numTables)
	}
	m.Tables = make([]TableInfo, numTables)
	for i := range m.Tables {
		t := &m.Tables[i]
		t.FileNum = pb.readUint64()
		t.CF = pb.readUint32()
		t.Level = int(pb.readUint32())
		t.Size = int64(pb.readUint64())
		t.Entries = pb.readUint64()
		t.Smallest = pb.readBytes()
		t.Largest = pb.readBytes()
		t.SmallestSeq = pb.readUint64()
		t.LargestSeq = pb.readUint64()
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(len(b)))
	p.buf = append(p.buf, b...)
}

// read returns the next n bytes, or nil after recording a short buffer.
func (p *payloadBuffer) read(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readUint64() uint64 {
	if b := p.read(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (p *payloadBuffer) readUint32() uint32 {
	if b := p.read(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (p *payloadBuffer) readString() string {
	b := p.read(2)
	if b == nil {
		return ""
	}
	return string(p.read(int(binary.LittleEndian.Uint16(b))))
}

func (p *payloadBuffer) readBytes() []byte {
	b := p.read(4)
	if b == nil {
		return nil
	}
	v := p.read(int(binary.LittleEndian.Uint32(b)))
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}
