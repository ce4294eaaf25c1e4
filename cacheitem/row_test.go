package cacheitem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"

	"github.com/hupe1980/ttlstore/codec"
)

func ttl(d time.Duration) *time.Duration { return &d }

func TestPaths(t *testing.T) {
	tests := []struct {
		path, prefix, key string
	}{
		{"users:alice", "users", "alice"},
		{"a:b:c", "a:b", "c"},
		{"k", "", "k"},
		{":k", "", "k"},
		{"p:", "p", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := New(tt.path, nil, []byte("v"))
			assert.Equal(t, tt.prefix, r.Prefix())
			assert.Equal(t, tt.key, r.Key())
			if tt.prefix != "" {
				assert.Equal(t, tt.path, r.Path())
			}
		})
	}
}

func TestFromPartsDoesNotSplit(t *testing.T) {
	r := FromParts("a", "b:c", nil, nil)
	assert.Equal(t, "a", r.Prefix())
	assert.Equal(t, "b:c", r.Key())
	assert.Equal(t, "a:b:c", r.Path())
}

func TestExpiration(t *testing.T) {
	assert.Eventually(t, func() bool { return New("k", ttl(0), nil).IsExpired() }, time.Second, time.Millisecond)
	assert.False(t, New("k", nil, nil).IsExpired())
	assert.False(t, NewWithTTL("k", 3600, nil).IsExpired())

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewAt("k", ttl(time.Minute), nil, now)
	exp, ok := r.Expire()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), exp)
	assert.False(t, r.ExpiredAt(now))
	assert.False(t, r.ExpiredAt(exp))
	assert.True(t, r.ExpiredAt(exp.Add(time.Nanosecond)))

	_, ok = New("k", nil, nil).Expire()
	assert.False(t, ok)
}

func TestEncoding(t *testing.T) {
	exp := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	in := FromParts("users", "alice", []byte("v1"), &exp)
	b, err := codec.Default.Marshal(in)
	require.NoError(t, err)

	raw, found, err := codec.Peek(b, ExpireField)
	require.NoError(t, err)
	require.True(t, found)
	s, _, err := msgp.ReadStringBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00.123456789Z", s)

	var out CacheRow
	require.NoError(t, codec.Default.Unmarshal(b, &out))
	assert.Equal(t, in.Path(), out.Path())
	assert.Equal(t, []byte("v1"), out.Value())
	got, ok := out.Expire()
	require.True(t, ok)
	assert.True(t, exp.Equal(got))
}

func TestEncodingOmitsMissingExpire(t *testing.T) {
	b, err := codec.Default.Marshal(New("k", nil, []byte("v")))
	require.NoError(t, err)
	_, found, err := codec.Peek(b, ExpireField)
	require.NoError(t, err)
	assert.False(t, found)

	var out CacheRow
	require.NoError(t, codec.Default.Unmarshal(b, &out))
	assert.False(t, out.IsExpired())
}

func TestDecodeNilAndInvalidExpire(t *testing.T) {
	b := codec.AppendMap(nil, 3).String(KeyField, "k").Nil(ExpireField).String("extra", "x").Finish()
	var out CacheRow
	require.NoError(t, codec.Default.Unmarshal(b, &out))
	_, ok := out.Expire()
	assert.False(t, ok)

	b = codec.AppendMap(nil, 2).String(KeyField, "k").String(ExpireField, "yesterday").Finish()
	assert.Error(t, codec.Default.Unmarshal(b, &out))

	assert.Error(t, codec.Default.Unmarshal([]byte{0xc3}, &out))
}
