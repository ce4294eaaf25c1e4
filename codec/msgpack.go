package codec

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// MsgPack encodes values that implement msgp.Marshaler and msgp.Unmarshaler.
type MsgPack struct{}

// Marshal encodes v, which must implement msgp.Marshaler.
func (MsgPack) Marshal(v any) ([]byte, error) {
	m, ok := v.(msgp.Marshaler)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a msgp.Marshaler", ErrUnsupportedType, v)
	}
	return m.MarshalMsg(nil)
}

// Unmarshal decodes data into v, which must implement msgp.Unmarshaler.
// Trailing bytes after the first object are rejected.
func (MsgPack) Unmarshal(data []byte, v any) error {
	u, ok := v.(msgp.Unmarshaler)
	if !ok {
		return fmt.Errorf("%w: %T is not a msgp.Unmarshaler", ErrUnsupportedType, v)
	}
	rest, err := u.UnmarshalMsg(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("codec: %d trailing bytes after record", len(rest))
	}
	return nil
}

// Name returns the unique name of the codec ("msgpack").
func (MsgPack) Name() string { return "msgpack" }
