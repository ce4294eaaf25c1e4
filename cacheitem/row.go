// Package cacheitem defines the row type of the cache table and its
// secondary indexes.
package cacheitem

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/hupe1980/ttlstore/codec"
)

// PathSeparator separates the prefix from the key of a path. Paths are
// split on the last separator.
const PathSeparator = ":"

// Field names of the encoded row. ExpireField is read by the compaction
// filter without decoding the rest of the row.
const (
	PrefixField = "prefix"
	KeyField    = "key"
	ValueField  = "value"
	ExpireField = "expire"
)

// ExpireLayout is the layout of the encoded expire field.
const ExpireLayout = time.RFC3339Nano

// CacheRow is one cache entry. The expiration time is fixed when the row is
// created and never refreshed.
type CacheRow struct {
	prefix string
	key    string
	value  []byte
	expire *time.Time
}

// New returns a row for path. A nil ttl means the row never expires.
func New(path string, ttl *time.Duration, value []byte) *CacheRow {
	return newAt(path, ttl, value, time.Now())
}

// NewWithTTL returns a row for path that expires ttl seconds from now.
func NewWithTTL(path string, ttl uint32, value []byte) *CacheRow {
	d := time.Duration(ttl) * time.Second
	return New(path, &d, value)
}

// NewAt is like New but computes the expiration from now.
func NewAt(path string, ttl *time.Duration, value []byte, now time.Time) *CacheRow {
	return newAt(path, ttl, value, now)
}

func newAt(path string, ttl *time.Duration, value []byte, now time.Time) *CacheRow {
	prefix, key := SplitPath(path)
	var expire *time.Time
	if ttl != nil {
		e := now.Add(*ttl).UTC()
		expire = &e
	}
	return &CacheRow{prefix: prefix, key: key, value: value, expire: expire}
}

// FromParts returns a row from its fields. prefix and key are taken as is.
func FromParts(prefix, key string, value []byte, expire *time.Time) *CacheRow {
	if expire != nil {
		e := expire.UTC()
		expire = &e
	}
	return &CacheRow{prefix: prefix, key: key, value: value, expire: expire}
}

// SplitPath splits path on its last separator. A path without separator has
// an empty prefix.
func SplitPath(path string) (prefix, key string) {
	i := strings.LastIndex(path, PathSeparator)
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+len(PathSeparator):]
}

// JoinPath is the inverse of SplitPath.
func JoinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + PathSeparator + key
}

func (r *CacheRow) Path() string   { return JoinPath(r.prefix, r.key) }
func (r *CacheRow) Prefix() string { return r.prefix }
func (r *CacheRow) Key() string    { return r.key }

// Value returns the stored bytes. Callers must not modify them.
func (r *CacheRow) Value() []byte { return r.value }

// Expire returns the expiration time and whether the row has one.
func (r *CacheRow) Expire() (time.Time, bool) {
	if r.expire == nil {
		return time.Time{}, false
	}
	return *r.expire, true
}

// IsExpired reports whether the row has expired. It reads the clock on
// every call.
func (r *CacheRow) IsExpired() bool {
	return r.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the row has expired at now.
func (r *CacheRow) ExpiredAt(now time.Time) bool {
	return r.expire != nil && r.expire.Before(now)
}

func (r *CacheRow) String() string {
	if r.expire == nil {
		return fmt.Sprintf("%s (%d bytes)", r.Path(), len(r.value))
	}
	return fmt.Sprintf("%s (%d bytes, expires %s)", r.Path(), len(r.value), r.expire.Format(time.RFC3339))
}

// MarshalMsg appends the row as a MessagePack map. The expire field is
// omitted when the row does not expire.
func (r *CacheRow) MarshalMsg(b []byte) ([]byte, error) {
	n := uint32(3)
	if r.expire != nil {
		n++
	}
	w := codec.AppendMap(b, n).
		String(PrefixField, r.prefix).
		String(KeyField, r.key).
		Bytes(ValueField, r.value)
	if r.expire != nil {
		w.String(ExpireField, r.expire.UTC().Format(ExpireLayout))
	}
	return w.Finish(), nil
}

// UnmarshalMsg decodes a row written by MarshalMsg. Unknown fields are
// ignored and a nil expire field means the row does not expire.
func (r *CacheRow) UnmarshalMsg(b []byte) ([]byte, error) {
	*r = CacheRow{}
	return codec.ReadFields(b, func(field, raw []byte) error {
		var err error
		switch string(field) {
		case PrefixField:
			r.prefix, _, err = msgp.ReadStringBytes(raw)
		case KeyField:
			r.key, _, err = msgp.ReadStringBytes(raw)
		case ValueField:
			r.value, _, err = msgp.ReadBytesBytes(raw, nil)
		case ExpireField:
			r.expire, err = ParseExpire(raw)
		}
		if err != nil {
			return fmt.Errorf("cacheitem: field %s: %w", field, err)
		}
		return nil
	})
}

// Msgsize returns an upper bound of the encoded size.
func (r *CacheRow) Msgsize() int {
	return msgp.MapHeaderSize +
		4*msgp.StringPrefixSize + len(PrefixField) + len(KeyField) + len(ValueField) + len(ExpireField) +
		msgp.StringPrefixSize + len(r.prefix) +
		msgp.StringPrefixSize + len(r.key) +
		msgp.BytesPrefixSize + len(r.value) +
		msgp.StringPrefixSize + len(ExpireLayout) + 10
}

// ParseExpire decodes a raw expire field. It returns nil for a MessagePack
// nil and an error when the field is not a valid timestamp string.
func ParseExpire(raw []byte) (*time.Time, error) {
	if msgp.IsNil(raw) {
		return nil, nil
	}
	s, _, err := msgp.ReadStringBytes(raw)
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(ExpireLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var (
	_ msgp.Marshaler   = (*CacheRow)(nil)
	_ msgp.Unmarshaler = (*CacheRow)(nil)
	_ msgp.Sizer       = (*CacheRow)(nil)
)
