// Package codec centralizes row value encoding.
//
// Rows are stored as self-describing MessagePack maps (field name to value)
// so that a single field can be read back without decoding the rest of the
// record. Changing the codec of a table is a breaking change: bytes written
// by one codec do not decode with another.
package codec

import (
	"errors"
	"fmt"
)

// ErrUnsupportedType is returned when a value does not implement the
// interfaces a codec needs.
var ErrUnsupportedType = errors.New("codec: unsupported type")

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "msgpack":
		return MsgPack{}, true
	case "json":
		return JSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for tests and tooling.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}

// Default is the codec tables use for row values.
var Default Codec = MsgPack{}
