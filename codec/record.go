package codec

import (
	"errors"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// ErrNotMap is returned when a record is not a MessagePack map.
var ErrNotMap = errors.New("codec: record is not a map")

// Peek returns the raw encoded value of the named field of a record.
// found is false when the record has no such field. Fields in front of the
// match are skipped without being decoded and raw aliases record.
func Peek(record []byte, field string) (raw []byte, found bool, err error) {
	if msgp.NextType(record) != msgp.MapType {
		return nil, false, ErrNotMap
	}
	n, rest, err := msgp.ReadMapHeaderBytes(record)
	if err != nil {
		return nil, false, err
	}
	for i := uint32(0); i < n; i++ {
		var key []byte
		key, rest, err = msgp.ReadMapKeyZC(rest)
		if err != nil {
			return nil, false, fmt.Errorf("codec: key of field %d: %w", i, err)
		}
		next, err := msgp.Skip(rest)
		if err != nil {
			return nil, false, fmt.Errorf("codec: value of field %q: %w", key, err)
		}
		if string(key) == field {
			return rest[:len(rest)-len(next)], true, nil
		}
		rest = next
	}
	return nil, false, nil
}

// ReadFields calls fn with every (field, raw value) pair of the record at
// the start of b and returns the bytes following it. Both slices passed to
// fn alias b.
func ReadFields(b []byte, fn func(field, raw []byte) error) ([]byte, error) {
	if msgp.NextType(b) != msgp.MapType {
		return b, ErrNotMap
	}
	n, rest, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key []byte
		key, rest, err = msgp.ReadMapKeyZC(rest)
		if err != nil {
			return b, fmt.Errorf("codec: key of field %d: %w", i, err)
		}
		next, err := msgp.Skip(rest)
		if err != nil {
			return b, fmt.Errorf("codec: value of field %q: %w", key, err)
		}
		if err := fn(key, rest[:len(rest)-len(next)]); err != nil {
			return b, err
		}
		rest = next
	}
	return rest, nil
}

// MapWriter appends a record with a fixed number of fields.
type MapWriter struct {
	buf []byte
}

// AppendMap starts a record of n fields at the end of b.
func AppendMap(b []byte, n uint32) *MapWriter {
	return &MapWriter{buf: msgp.AppendMapHeader(b, n)}
}

func (w *MapWriter) String(field, v string) *MapWriter {
	w.buf = msgp.AppendString(msgp.AppendString(w.buf, field), v)
	return w
}

func (w *MapWriter) Bytes(field string, v []byte) *MapWriter {
	w.buf = msgp.AppendBytes(msgp.AppendString(w.buf, field), v)
	return w
}

func (w *MapWriter) Uint32(field string, v uint32) *MapWriter {
	w.buf = msgp.AppendUint32(msgp.AppendString(w.buf, field), v)
	return w
}

func (w *MapWriter) Uint64(field string, v uint64) *MapWriter {
	w.buf = msgp.AppendUint64(msgp.AppendString(w.buf, field), v)
	return w
}

func (w *MapWriter) Bool(field string, v bool) *MapWriter {
	w.buf = msgp.AppendBool(msgp.AppendString(w.buf, field), v)
	return w
}

func (w *MapWriter) Nil(field string) *MapWriter {
	w.buf = msgp.AppendNil(msgp.AppendString(w.buf, field))
	return w
}

// Finish returns the encoded record.
func (w *MapWriter) Finish() []byte { return w.buf }
